package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SubaccountLength is the fixed size of an explicit subaccount.
const SubaccountLength = 32

// Principal identifies an owner on the ledger.
type Principal string

// Subaccount distinguishes balances under one owner. It travels as hex in JSON.
type Subaccount []byte

func (s Subaccount) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(hex.EncodeToString(s))
}

func (s *Subaccount) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil || *raw == "" {
		*s = nil
		return nil
	}
	decoded, err := hex.DecodeString(*raw)
	if err != nil {
		return fmt.Errorf("decode subaccount: %w", err)
	}
	*s = decoded
	return nil
}

// Account is an owner plus an optional subaccount. An all-zero subaccount is
// the default subaccount and compares equal to no subaccount.
type Account struct {
	Owner      Principal
	Subaccount Subaccount
}

// NewAccount returns the default account for owner.
func NewAccount(owner Principal) Account {
	return Account{Owner: owner}
}

// WithSubaccount returns an account for owner under sub.
func WithSubaccount(owner Principal, sub Subaccount) Account {
	return Account{Owner: owner, Subaccount: sub}.normalize()
}

func (a Account) normalize() Account {
	if len(a.Subaccount) == 0 {
		a.Subaccount = nil
		return a
	}
	for _, b := range a.Subaccount {
		if b != 0 {
			return a
		}
	}
	a.Subaccount = nil
	return a
}

// reservedOwnerRunes are the separators used by Key and the allowance key.
// An owner holding one could name another account's balance.
const reservedOwnerRunes = keySeparator + "|"

const keySeparator = "."

// Validate rejects anonymous owners, owners containing a key separator and
// subaccounts of the wrong size.
func (a Account) Validate() error {
	if strings.TrimSpace(string(a.Owner)) == "" {
		return fmt.Errorf("account owner is required")
	}
	if strings.ContainsAny(string(a.Owner), reservedOwnerRunes) {
		return fmt.Errorf("account owner %q must not contain any of %q", a.Owner, reservedOwnerRunes)
	}
	if len(a.Subaccount) != 0 && len(a.Subaccount) != SubaccountLength {
		return fmt.Errorf("subaccount must be %d bytes, got %d", SubaccountLength, len(a.Subaccount))
	}
	return nil
}

// Equal reports structural equality after normalisation.
func (a Account) Equal(b Account) bool {
	a, b = a.normalize(), b.normalize()
	return a.Owner == b.Owner && bytes.Equal(a.Subaccount, b.Subaccount)
}

// Key is the balance store key for the account.
func (a Account) Key() string {
	a = a.normalize()
	if a.Subaccount == nil {
		return string(a.Owner)
	}
	return string(a.Owner) + keySeparator + hex.EncodeToString(a.Subaccount)
}

func (a Account) String() string { return a.Key() }

// ParseAccountKey reverses Key.
func ParseAccountKey(key string) (Account, error) {
	owner, sub, found := strings.Cut(key, keySeparator)
	if !found {
		return NewAccount(Principal(owner)), nil
	}
	raw, err := hex.DecodeString(sub)
	if err != nil {
		return Account{}, fmt.Errorf("decode subaccount of %q: %w", key, err)
	}
	return WithSubaccount(Principal(owner), raw), nil
}

type accountJSON struct {
	Owner      string `json:"owner"`
	Subaccount string `json:"subaccount,omitempty"`
}

func (a Account) MarshalJSON() ([]byte, error) {
	a = a.normalize()
	out := accountJSON{Owner: string(a.Owner)}
	if a.Subaccount != nil {
		out.Subaccount = hex.EncodeToString(a.Subaccount)
	}
	return json.Marshal(out)
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var in accountJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var sub Subaccount
	if in.Subaccount != "" {
		raw, err := hex.DecodeString(in.Subaccount)
		if err != nil {
			return fmt.Errorf("decode subaccount: %w", err)
		}
		sub = raw
	}
	*a = Account{Owner: Principal(in.Owner), Subaccount: sub}.normalize()
	return nil
}

// DeriveSubaccount hashes the owner bytes followed by a domain tag into a
// 32-byte subaccount. The output must stay stable across releases because
// custody balances live under it.
func DeriveSubaccount(owner Principal, tag string) Subaccount {
	h := sha256.New()
	h.Write([]byte(owner))
	h.Write([]byte(tag))
	return h.Sum(nil)
}

// CustodySubaccountTag separates custody subaccounts from any other
// subaccount a wallet may derive for the same principal.
const CustodySubaccountTag = "ckTestBTC:custody:v1"

// CustodyAccount is the subaccount under wallet that holds user's collateral.
func CustodyAccount(wallet, user Principal) Account {
	return WithSubaccount(wallet, DeriveSubaccount(user, CustodySubaccountTag))
}
