package state

import "regexp"

// IdentityLen is the length of a canonical lowercase GUID,
// e.g. "0b5c9a3e-7a43-4c3e-9e0c-2f8c1d2e3f40".
const IdentityLen = 36

var guidPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// IsGUID reports whether s is exactly a lowercase 8-4-4-4-12 GUID.
func IsGUID(s string) bool {
	return len(s) == IdentityLen && guidPattern.MatchString(s)
}

// StartsWithGUID reports whether the first 36 characters of s form a GUID.
func StartsWithGUID(s string) bool {
	return len(s) >= IdentityLen && IsGUID(s[:IdentityLen])
}

// SplitPlayerKey splits a player-owned key into the owner identity and the
// sub-key. ok is false for keys that don't start with a GUID.
func SplitPlayerKey(key string) (owner, subKey string, ok bool) {
	if !StartsWithGUID(key) {
		return "", "", false
	}
	return key[:IdentityLen], key[IdentityLen:], true
}

// Shape is the structural class of a key, independent of who is connected.
type Shape uint8

const (
	// ShapePlain keys don't start with a GUID.
	ShapePlain Shape = iota
	// ShapeRoot keys are a bare GUID: the root of a player namespace.
	ShapeRoot
	// ShapeSubKey keys are a GUID followed by a sub-key.
	ShapeSubKey
)

func (s Shape) String() string {
	switch s {
	case ShapePlain:
		return "plain"
	case ShapeRoot:
		return "root"
	case ShapeSubKey:
		return "subkey"
	default:
		return "unknown"
	}
}

func ShapeOf(key string) Shape {
	if !StartsWithGUID(key) {
		return ShapePlain
	}
	if len(key) == IdentityLen {
		return ShapeRoot
	}
	return ShapeSubKey
}

// Partition tells who may write a key. It is derived from the key on every
// lookup and never stored.
type Partition uint8

const (
	PartitionGlobal Partition = iota
	PartitionPlayer
	PartitionReserved
)

func (p Partition) String() string {
	switch p {
	case PartitionGlobal:
		return "global"
	case PartitionPlayer:
		return "player"
	case PartitionReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// Classifier derives partitions from keys. IsLive reports whether an
// identity belongs to a connected player; a GUID prefix without a live owner
// is an ordinary global key.
type Classifier struct {
	Reserved map[string]struct{}
	IsLive   func(identity string) bool
}

func NewClassifier(reserved []string, isLive func(identity string) bool) *Classifier {
	set := make(map[string]struct{}, len(reserved))
	for _, key := range reserved {
		set[key] = struct{}{}
	}
	return &Classifier{Reserved: set, IsLive: isLive}
}

func (c *Classifier) IsReserved(key string) bool {
	_, ok := c.Reserved[key]
	return ok
}

// Owner returns the live player owning key.
func (c *Classifier) Owner(key string) (string, bool) {
	owner, _, ok := SplitPlayerKey(key)
	if !ok || c.IsLive == nil || !c.IsLive(owner) {
		return "", false
	}
	return owner, true
}

func (c *Classifier) Classify(key string) Partition {
	if _, ok := c.Owner(key); ok {
		return PartitionPlayer
	}
	if c.IsReserved(key) {
		return PartitionReserved
	}
	return PartitionGlobal
}
