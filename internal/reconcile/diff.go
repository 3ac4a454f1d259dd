package reconcile

import (
	"slices"
)

// Diff lists tag names present on only one side. Names are compared exactly.
type Diff struct {
	OnlyLocal  []string
	OnlyRemote []string
}

// InSync reports whether both sides hold the same tag names.
func (d Diff) InSync() bool {
	return len(d.OnlyLocal) == 0 && len(d.OnlyRemote) == 0
}

// DiffWithRemote returns the set differences between local and remote tag names,
// sorted and without duplicates. It never resolves anything.
func DiffWithRemote(local, remote []string) Diff {
	localSet := toSet(local)
	remoteSet := toSet(remote)
	return Diff{
		OnlyLocal:  minus(localSet, remoteSet),
		OnlyRemote: minus(remoteSet, localSet),
	}
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func minus(a, b map[string]struct{}) []string {
	out := []string{}
	for n := range a {
		if _, ok := b[n]; !ok {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}
