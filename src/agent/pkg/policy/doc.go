// Package policy provides the rule model and the decision engine of the
// SecureHost agent.
//
// It handles:
//   - Rule validation, storage and lifecycle (add, update, toggle, delete)
//   - Evaluation of network connection and device access events
//   - Persistence of the rule table through secure storage
//
// # Rule Model
//
// A rule applies to one kind of event (network, device or application)
// and carries an action:
//   - allow: Permit the event
//   - block: Deny the event
//   - audit: Permit the event and record it
//
// Every filter field is optional. A zero or empty field matches anything:
//   - Process ID and process name glob ('*' and '?', case-insensitive)
//   - Network: protocol, local port, remote port, remote address (IP or CIDR)
//   - Device: device type, hardware ID glob
//   - User SID (case-insensitive)
//
// A rule is active when it is enabled and the current time is inside its
// optional validity window.
//
// # Evaluation
//
// Active rules of the event's kind are tried by priority (highest first,
// lowest ID on ties). The first rule whose filters all match decides. When
// nothing matches the default applies: network connections are allowed,
// device accesses are blocked.
//
// # Example Usage
//
//	store := policy.NewStore()
//	engine := policy.NewEngine(store, auditor)
//	pm := policy.NewManager(store, synchronizer, auditor, secureStore)
//
//	rule, err := pm.AddRule(ctx, policy.Rule{
//	    Kind:       policy.KindDevice,
//	    DeviceType: policy.DeviceCamera,
//	    Action:     policy.ActionBlock,
//	    Priority:   100,
//	    Enabled:    true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	d := engine.EvaluateDevice(ctx, policy.DeviceEvent{
//	    ProcessID:   1,
//	    ProcessName: "chrome.exe",
//	    DeviceType:  policy.DeviceCamera,
//	})
//	// d.Action == policy.ActionBlock, *d.MatchedRuleID == rule.ID
//
// # Thread Safety
//
// Store readers never lock: every mutation publishes a new immutable
// Snapshot through an atomic pointer. Engine and Manager are safe for
// concurrent use.
package policy
