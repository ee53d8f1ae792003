package main

import "testing"

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCmd()

	want := map[string]bool{"serve": false, "health": false, "doctor": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestRootCommandRegistersConfigFlags(t *testing.T) {
	cmd := NewRootCmd()

	for _, name := range []string{"config", "log-level", "server-listen-addr", "worker-role", "dicts-dict-dir"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("missing persistent flag %q", name)
		}
	}
}
