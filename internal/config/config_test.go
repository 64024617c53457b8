package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ithildind/ithildind/internal/acl"
	"github.com/ithildind/ithildind/internal/msgset"
)

const sampleYAML = `
global:
  server-name: hub.example.net
  network: ExampleNet
  nick-len: 30
  channel-len: 50
  history-size: 512
  charmap: rfc1459

message-set:
  - name: default-messages
    values:
      welcome: "Welcome to %s"

privilege-set:
  - name: base-privs
    values:
      max-channels: "20"
      can-oper: "false"
  - name: oper-privs
    include: [base-privs]
    values:
      can-oper: "true"

classes:
  - name: users
    ping-freq: 90
    max-members: 4096
    sendq-ceiling: 1048576
    flood-ceiling: 10
    message-set: default-messages
    privilege-set: base-privs
  - name: opers
    ping-freq: 90
    max-members: 64
    sendq-ceiling: 4194304
    flood-ceiling: 40
    privilege-set: oper-privs

acl:
  - stage: "1"
    access: deny
    number: 10
    host: "*.badhost.example"
    reason: "banned network"
  - stage: "1"
    access: allow
    number: 20
    host: "*@*"

charmaps:
  - name: loose
    extra-pairs: ["A/a"]
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ithildind.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadDecodesAllSections(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Global.ServerName != "hub.example.net" {
		t.Fatalf("unexpected server name: %q", cfg.Global.ServerName)
	}
	if len(cfg.Classes) != 2 || len(cfg.ACL) != 2 || len(cfg.MessageSets) != 1 {
		t.Fatalf("unexpected section lengths: %+v", cfg)
	}
}

func TestBuildWiresClassesAgainstPrivilegeSets(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	built, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	opers, ok := built.Classes["opers"]
	if !ok {
		t.Fatalf("expected opers class to be built")
	}
	if opers.Privileges == nil {
		t.Fatalf("expected opers class to carry privileges")
	}

	canOper := opers.Privileges.Resolve("can-oper", msgset.BoolValue(false))
	if !canOper.Bool {
		t.Fatalf("expected oper-privs' own can-oper=true to beat its base-privs include")
	}
	maxChan := opers.Privileges.Resolve("max-channels", msgset.IntValue(0))
	if maxChan.Int != 20 {
		t.Fatalf("expected max-channels resolved via include to be 20, got %d", maxChan.Int)
	}
}

func TestBuildInsertsACLRulesInNumberOrder(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	built, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	r, ok := built.ACL.Match(acl.Stage1, acl.Subject{Host: "foo.badhost.example"})
	if !ok || r.Access != acl.Deny {
		t.Fatalf("expected deny rule to match banned host, got %+v ok=%v", r, ok)
	}

	r2, ok2 := built.ACL.Match(acl.Stage1, acl.Subject{Host: "foo.goodhost.example"})
	if !ok2 || r2.Access != acl.Allow {
		t.Fatalf("expected fallback allow rule to match, got %+v ok=%v", r2, ok2)
	}
}

func TestBuildRejectsUnknownIncludeReference(t *testing.T) {
	bad := `
privilege-set:
  - name: broken
    include: [does-not-exist]
`
	path := writeTemp(t, bad)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Build(cfg, nil); err == nil {
		t.Fatalf("expected Build to reject an unresolved include")
	}
}
