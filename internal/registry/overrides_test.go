package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bizzybee90/bizzybee/internal/model"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry() error: %v", err)
	}
	if reg.Len() == 0 {
		t.Fatal("embedded override table is empty")
	}
}

func TestMatch_PaymentProcessor(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}

	ov := reg.Match("billing@stripe.com")
	if ov == nil {
		t.Fatal("expected stripe.com to match a payment-processor override")
	}
	if ov.Classification != model.ClassReceiptConfirmation {
		t.Errorf("expected receipt_confirmation, got %s", ov.Classification)
	}
	if ov.Bucket != model.BucketAutoHandled {
		t.Errorf("expected auto_handled, got %s", ov.Bucket)
	}
	if ov.RequiresReply {
		t.Error("payment-processor mail must not require a reply")
	}
}

func TestMatch_NoreplyLocalPart(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}

	for _, addr := range []string{
		"noreply@somevendor.example",
		"NO-REPLY@Bank.Example",
		"donotreply@utility.example",
	} {
		ov := reg.Match(addr)
		if ov == nil {
			t.Errorf("expected %s to match the noreply override", addr)
			continue
		}
		if ov.Classification != model.ClassNotification {
			t.Errorf("%s: expected notification, got %s", addr, ov.Classification)
		}
	}
}

func TestMatch_NoMatch(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}

	if ov := reg.Match("jane@customers.example"); ov != nil {
		t.Errorf("expected no override for a plain customer address, got %s", ov.Name)
	}
	if ov := reg.Match(""); ov != nil {
		t.Error("expected no override for an empty address")
	}
}

func TestMatch_FirstHitWins(t *testing.T) {
	reg := NewRegistry([]Override{
		{Name: "first", Keywords: []string{"acme.example"}, Classification: model.ClassNotification, Bucket: model.BucketAutoHandled},
		{Name: "second", Keywords: []string{"acme.example"}, Classification: model.ClassOther, Bucket: model.BucketWait},
	})

	ov := reg.Match("news@acme.example")
	if ov == nil {
		t.Fatal("expected a match")
	}
	if ov.Name != "first" {
		t.Errorf("expected first override to win, got %s", ov.Name)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	fixture := `
- name: local vendors
  keywords:
    - Supplier.Example
  classification: notification
  bucket: auto_handled
  requires_reply: false
`
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	if err := os.WriteFile(path, []byte(fixture), 0o644); err != nil {
		t.Fatal(err)
	}

	reg, err := LoadOverridesFromFile(path)
	if err != nil {
		t.Fatalf("LoadOverridesFromFile() error: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 override, got %d", reg.Len())
	}

	// Keywords normalize to lower case at construction.
	if ov := reg.Match("orders@supplier.example"); ov == nil {
		t.Error("expected lowercased keyword to match")
	}
}

func TestLoadOverridesFromFile_NotFound(t *testing.T) {
	_, err := LoadOverridesFromFile("/nonexistent/overrides.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOverridesFromFile_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("{not: [valid"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadOverridesFromFile(path)
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
