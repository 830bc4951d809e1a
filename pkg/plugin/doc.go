// Package plugin runs a plugin process whose actions are shell commands declared in a
// YAML manifest.
//
// A manifest looks like:
//
//	proc_id: link-tools
//	socket: /run/lom/lom.sock
//	actions:
//	  - name: link_down
//	    priority: 1
//	    command: ip link set "$IFACE" down
//	    env:
//	      IFACE: Ethernet0
//	    timeout: 10s
//	  - name: link_probe
//	    command: /usr/lib/lom/probe
//	    args: ["--json"]
//
// Each run receives the action request on stdin and reports its exit code, output and
// duration as action data. A command that prints a JSON document has it copied into
// the output field, where eligible_if expressions of later actions can reach it.
package plugin
