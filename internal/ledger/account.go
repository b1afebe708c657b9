package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeMember AccountScope = iota
	AccountScopeCell
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Member sub-types
	SubTypeAvailable AccountSubType = iota
	SubTypeStaked

	// Cell sub-types
	SubTypeCapital

	// External sub-types
	SubTypeExternalOnramp
	SubTypeExternalRewards
	SubTypeExternalPremiums
	SubTypeExternalClaims
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetNMU AssetID = 1 // utility/staking unit
	AssetNMC AssetID = 2 // capital/security unit
)

var (
	assetToID = map[string]AssetID{
		"NMU": AssetNMU,
		"NMC": AssetNMC,
	}
	idToAsset = map[AssetID]string{
		AssetNMU: "NMU",
		AssetNMC: "NMC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // member or cell UUID; zero for external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewMemberAccountKey creates a key for member accounts
func NewMemberAccountKey(memberID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeMember,
		EntityID: memberID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewCellAccountKey creates a key for cell capital accounts
func NewCellAccountKey(cellID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeCell,
		EntityID: cellID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts.
// External accounts model mint and burn: value entering circulation is
// debited to a member against an external credit, so the sum over all
// accounts stays zero and asset supply equals the negated external sum.
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeMember:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("member:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeCell:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("cell:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeStaked:
		return "staked"
	case SubTypeCapital:
		return "capital"
	case SubTypeExternalOnramp:
		return "onramp"
	case SubTypeExternalRewards:
		return "rewards"
	case SubTypeExternalPremiums:
		return "premiums"
	case SubTypeExternalClaims:
		return "claims"
	default:
		return "unknown"
	}
}

var subTypeByName = map[string]AccountSubType{
	"available": SubTypeAvailable,
	"staked":    SubTypeStaked,
	"capital":   SubTypeCapital,
	"onramp":    SubTypeExternalOnramp,
	"rewards":   SubTypeExternalRewards,
	"premiums":  SubTypeExternalPremiums,
	"claims":    SubTypeExternalClaims,
}

// ParseAccountPath is the inverse of AccountPath. Snapshot restore stores
// balances keyed by path string and needs the binary key back.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && (parts[0] == "member" || parts[0] == "cell"):
		entityID, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: bad entity id: %w", path, err)
		}
		subType, ok := subTypeByName[parts[2]]
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %q", path, parts[2])
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, parts[3])
		}
		scope := AccountScopeMember
		if parts[0] == "cell" {
			scope = AccountScopeCell
		}
		return AccountKey{Scope: scope, EntityID: entityID, SubType: subType, AssetID: assetID}, nil

	case len(parts) == 3 && parts[0] == "external":
		subType, ok := subTypeByName[parts[1]]
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %q", path, parts[1])
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, parts[2])
		}
		return AccountKey{Scope: AccountScopeExternal, SubType: subType, AssetID: assetID}, nil
	}

	return AccountKey{}, fmt.Errorf("account path %q: unrecognized format", path)
}
