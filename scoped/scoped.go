// Package scoped derives collision-free kernel resource names from the owning
// process id. Two concurrently running instances on the same host never
// contend for the same interface, namespace, or cgroup name because every
// logical name is prefixed with a base58 encoding of the owner's pid:
//
//	d-NVpb-veth0   interface owned by pid 4194304
//	d-2vKc-demo0   namespace owned by pid 12345
//
// A UID of 0 is a sentinel meaning "do not scope": the logical name passes
// through unchanged. That is used for pre-existing system names such as the
// loopback interface.
package scoped

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

const (
	// prefix marks every scoped name.
	prefix = "d-"

	// uidWidth is the fixed base58 width of the encoded pid. Four characters
	// cover /proc/sys/kernel/pid_max (2^22) with room to spare.
	uidWidth = 4

	// UIDMax is the largest encodable uid (58^4 - 1).
	UIDMax = 58*58*58*58 - 1

	// prefixLen is len("d-") + uidWidth + len("-").
	prefixLen = 2 + uidWidth + 1

	// InterfaceMaxLen is IFNAMSIZ-1, the kernel limit for interface names.
	InterfaceMaxLen = 15

	// NamespaceMaxLen is the limit for named network namespaces (NAME_MAX).
	NamespaceMaxLen = 255

	// CGroupMaxLen is the limit for cgroup directory names (NAME_MAX).
	CGroupMaxLen = 255
)

var scopedPattern = regexp.MustCompile(
	`^d-(?P<uid>[` + Alphabet + `]{` + fmt.Sprint(uidWidth) + `})-(?P<name>.+)$`)

// Name is a scoped resource name. The zero value is not valid; use one of the
// constructors. Name is a pure value: it holds no shared mutable state.
type Name struct {
	// Logical is the user-supplied name component.
	Logical string

	// UID is the scoping uid, normally the owning pid. 0 means unscoped.
	UID int

	maxLen   int
	reserved []string
}

// Interface returns a scoped interface name (limit 15 chars). The loopback
// name "lo" is reserved and always passes through unscoped.
func Interface(name string, uid int) (Name, error) {
	return newName(name, uid, InterfaceMaxLen, []string{"lo"})
}

// Bridge returns a scoped bridge name. Bridges are interfaces, so the same
// 15 character limit applies.
func Bridge(name string, uid int) (Name, error) {
	return newName(name, uid, InterfaceMaxLen, nil)
}

// Namespace returns a scoped network namespace name (limit 255 chars). The
// name "1" (the init namespace) is reserved and passes through unscoped.
func Namespace(name string, uid int) (Name, error) {
	return newName(name, uid, NamespaceMaxLen, []string{"1"})
}

// CGroup returns a scoped cgroup name (limit 255 chars).
func CGroup(name string, uid int) (Name, error) {
	return newName(name, uid, CGroupMaxLen, nil)
}

// CurrentUID returns the uid used when scoping for this process.
func CurrentUID() int {
	return os.Getpid()
}

func newName(name string, uid int, maxLen int, reserved []string) (Name, error) {
	n := Name{Logical: name, UID: uid, maxLen: maxLen, reserved: reserved}
	if name == "" {
		return Name{}, fmt.Errorf("scoped: empty name")
	}
	if uid < 0 || uid > UIDMax {
		return Name{}, fmt.Errorf("scoped: uid %d out of range [0, %d]", uid, UIDMax)
	}
	budget := maxLen
	if n.isScoped() {
		budget = maxLen - prefixLen
	}
	if budget <= 0 || len(name) > budget {
		return Name{}, fmt.Errorf(
			"scoped: name %q exceeds the %d character budget (limit %d minus %d for the scope prefix)",
			name, budget, maxLen, prefixLen)
	}
	return n, nil
}

func (n Name) isScoped() bool {
	if n.UID == 0 {
		return false
	}
	for _, r := range n.reserved {
		if n.Logical == r {
			return false
		}
	}
	return true
}

// Unscoped reports whether the name passes through without a scope prefix.
func (n Name) Unscoped() bool {
	return !n.isScoped()
}

// String returns the name as it appears to the kernel.
func (n Name) String() string {
	if !n.isScoped() {
		return n.Logical
	}
	return prefix + EncodeUID(n.UID) + "-" + n.Logical
}

// Parse splits a kernel-side name back into its logical name and uid. Names
// without the scope prefix are returned with UID 0.
func Parse(s string) (logical string, uid int, err error) {
	m := scopedPattern.FindStringSubmatch(s)
	if m == nil {
		return s, 0, nil
	}
	uid, err = DecodeUID(m[scopedPattern.SubexpIndex("uid")])
	if err != nil {
		return "", 0, err
	}
	return m[scopedPattern.SubexpIndex("name")], uid, nil
}

// IsScopedBy reports whether the kernel-side name s was produced by uid.
func IsScopedBy(s string, uid int) bool {
	return strings.HasPrefix(s, prefix+EncodeUID(uid)+"-")
}
