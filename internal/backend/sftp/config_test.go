package sftp

import "testing"

func TestParseConfig(t *testing.T) {
	tests := []struct {
		s    string
		cfg  Config
		fail bool
	}{
		{s: "sftp://user@host/dir", cfg: Config{User: "user", Host: "host", Path: "dir", Connections: 5}},
		{s: "sftp://host//absolute/dir", cfg: Config{Host: "host", Path: "/absolute/dir", Connections: 5}},
		{s: "sftp:user@host:dir/subdir", cfg: Config{User: "user", Host: "host", Path: "dir/subdir", Connections: 5}},
		{s: "sftp:host:/absolute", cfg: Config{Host: "host", Path: "/absolute", Connections: 5}},
		{s: "sftp:user@host:~/dir", fail: true},
		{s: "not-an-sftp-url", fail: true},
	}

	for _, test := range tests {
		t.Run(test.s, func(t *testing.T) {
			cfg, err := ParseConfig(test.s)
			if test.fail {
				if err == nil {
					t.Fatalf("expected an error parsing %q, got none", test.s)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if *cfg != test.cfg {
				t.Fatalf("unexpected config %#v, wanted %#v", *cfg, test.cfg)
			}
		})
	}
}

func TestBuildSSHCommand(t *testing.T) {
	cmd, args, err := buildSSHCommand(Config{Host: "example.org", Port: "2222", User: "backup"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "ssh" {
		t.Fatalf("unexpected command: %v", cmd)
	}
	want := []string{"example.org", "-p", "2222", "-l", "backup", "-s", "sftp"}
	if len(args) != len(want) {
		t.Fatalf("unexpected args: %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("unexpected args: %v", args)
		}
	}
}

func TestBuildSSHCommandOverride(t *testing.T) {
	cmd, args, err := buildSSHCommand(Config{Command: `/opt/bin/my-ssh -oBatchMode=yes host`})
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "/opt/bin/my-ssh" {
		t.Fatalf("unexpected command: %v", cmd)
	}
	want := []string{"-oBatchMode=yes", "host"}
	if len(args) != len(want) || args[0] != want[0] || args[1] != want[1] {
		t.Fatalf("unexpected args: %v", args)
	}
}
