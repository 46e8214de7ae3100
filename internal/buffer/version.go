package buffer

// ReplicaID identifies one editing replica of a buffer. The host is always
// replica 0; guests receive a non-zero id when they join a project.
type ReplicaID uint16

// OpID is the identity of a single operation: the replica that produced it
// and that replica's operation sequence number (starting at 1).
type OpID struct {
	Replica ReplicaID `json:"replica"`
	Seq     uint32    `json:"seq"`
}

func (id OpID) IsZero() bool {
	return id.Replica == 0 && id.Seq == 0
}

// Version is a version vector: the highest operation sequence number observed
// from each replica.
type Version map[ReplicaID]uint32

func NewVersion() Version {
	return make(Version)
}

func (v Version) Clone() Version {
	out := make(Version, len(v))
	for id, seq := range v {
		out[id] = seq
	}
	return out
}

// Observed reports whether the operation identified by id has been applied.
func (v Version) Observed(id OpID) bool {
	return v[id.Replica] >= id.Seq
}

// ObservedAll reports whether every operation counted in other has also been
// counted in v. A save acknowledgement must satisfy this against the version
// recorded when the save was requested.
func (v Version) ObservedAll(other Version) bool {
	for id, seq := range other {
		if v[id] < seq {
			return false
		}
	}
	return true
}

// Observe records the operation id, raising the replica's counter if needed.
func (v Version) Observe(id OpID) {
	if v[id.Replica] < id.Seq {
		v[id.Replica] = id.Seq
	}
}

// Join raises every component of v to at least the corresponding component
// of other.
func (v Version) Join(other Version) {
	for id, seq := range other {
		if v[id] < seq {
			v[id] = seq
		}
	}
}
