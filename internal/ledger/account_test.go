package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

func TestDefaultSubaccountNormalises(t *testing.T) {
	zero := make(Subaccount, SubaccountLength)
	a := WithSubaccount("alice", zero)
	if a.Subaccount != nil {
		t.Fatalf("all-zero subaccount should normalise to none")
	}
	if !a.Equal(NewAccount("alice")) {
		t.Fatalf("expected equality with the default account")
	}
	if a.Key() != "alice" {
		t.Fatalf("unexpected key %q", a.Key())
	}
}

func TestDeriveSubaccountIsStable(t *testing.T) {
	sub := DeriveSubaccount("alice", "ckTestBTC:custody:v1")
	if len(sub) != SubaccountLength {
		t.Fatalf("expected 32 bytes, got %d", len(sub))
	}
	again := DeriveSubaccount("alice", "ckTestBTC:custody:v1")
	if !bytes.Equal(sub, again) {
		t.Fatalf("derivation is not deterministic")
	}
	other := DeriveSubaccount("bob", "ckTestBTC:custody:v1")
	if bytes.Equal(sub, other) {
		t.Fatalf("different owners must not share a subaccount")
	}
}

func TestAccountKeyRoundTrip(t *testing.T) {
	a := WithSubaccount("wallet", DeriveSubaccount("alice", "tag"))
	parsed, err := ParseAccountKey(a.Key())
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if !parsed.Equal(a) {
		t.Fatalf("expected %s, got %s", a, parsed)
	}
}

func TestAccountKeysDoNotCollide(t *testing.T) {
	sub := DeriveSubaccount("alice", "tag")
	genuine := WithSubaccount("wallet", sub)
	spoof := NewAccount(Principal("wallet." + hex.EncodeToString(sub)))
	if spoof.Equal(genuine) {
		t.Fatalf("accounts should differ")
	}
	if err := spoof.Validate(); err == nil {
		t.Fatalf("owner containing the key separator must be rejected")
	}
	if err := NewAccount("a|b").Validate(); err == nil {
		t.Fatalf("owner containing the allowance separator must be rejected")
	}
	if err := genuine.Validate(); err != nil {
		t.Fatalf("valid account rejected: %v", err)
	}
}

func TestAccountJSONUsesHexSubaccount(t *testing.T) {
	sub := DeriveSubaccount("alice", "tag")
	raw, err := json.Marshal(WithSubaccount("wallet", sub))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"owner":"wallet","subaccount":"` + hex.EncodeToString(sub) + `"}`
	if string(raw) != want {
		t.Fatalf("expected %s, got %s", want, raw)
	}
}

func TestErrorJSONKeepsVariantPayload(t *testing.T) {
	raw, err := json.Marshal(InsufficientFunds(tokens.MustParse("999")))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"InsufficientFunds":{"balance":"999"}}` {
		t.Fatalf("unexpected encoding %s", raw)
	}
	var decoded Error
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Reason != ReasonInsufficientFunds || decoded.Balance.String() != "999" {
		t.Fatalf("unexpected decoded error %+v", decoded)
	}
}
