package protocol

import "strings"

// Marker separates a branch name from the host the branch is attributed to.
// It is a legal substring of a git ref name but cannot occur in a hostname,
// so a qualified name never collides with a real host identity.
const Marker = "_hesokr_"

// Branch identifies a branch together with its provenance.
//
// An empty Peer denotes a local (unqualified) branch. A non-empty Peer
// denotes a copy of the branch attributed to that host. The branch-name
// encoding is the wire format of the whole system: provenance travels
// inside ref names, so any git transport can carry it.
type Branch struct {
	Name string
	Peer string
}

// NewBranch returns an unqualified branch for name.
func NewBranch(name string) Branch {
	return Branch{Name: name}
}

// ParseBranch decodes a raw ref name into a Branch. Parsing is total: a name
// without the marker is a local branch. If the marker occurs more than once
// the split is at the LAST occurrence, since hostnames cannot contain the
// marker; this keeps ParseBranch(b.String()) == b for every b produced by
// String.
func ParseBranch(raw string) Branch {
	if i := strings.LastIndex(raw, Marker); i >= 0 {
		return Branch{Name: raw[:i], Peer: raw[i+len(Marker):]}
	}
	return Branch{Name: raw}
}

// String encodes the branch into its on-disk ref name.
func (b Branch) String() string {
	if b.Peer == "" {
		return b.Name
	}
	return b.Name + Marker + b.Peer
}

// IsQualified reports whether the branch carries peer attribution.
func (b Branch) IsQualified() bool {
	return b.Peer != ""
}

// Local returns the branch with attribution cleared.
func (b Branch) Local() Branch {
	return Branch{Name: b.Name}
}

// Qualify returns the branch attributed to host.
func (b Branch) Qualify(host string) Branch {
	return Branch{Name: b.Name, Peer: host}
}

// BranchRef pairs a branch with the commit hash it points at.
type BranchRef struct {
	Branch Branch
	Hash   string
}

// ContainsMarker reports whether a bare branch name embeds the attribution
// marker and would therefore be misread as a qualified name.
func ContainsMarker(name string) bool {
	return strings.Contains(name, Marker)
}
