package repnet

// maxOwnerDepth bounds owner chain walks, chains longer than
// this are treated as cycles
const maxOwnerDepth = 32

// IsRelevant reports whether e should be replicated to v.
// The first matching rule decides:
// always relevant entities are, entities owned by or being the
// viewer's view target, controller or pawn are, entities using their
// owner's relevancy inherit it, owner-only entities are not,
// hidden entities without collision are not, anything else is
// relevant inside its cull distance.
func IsRelevant(e *Entity, v *Viewer, o RelevancyOracle) bool {
	return isRelevant(e, v, o, 0)
}

func isRelevant(e *Entity, v *Viewer, o RelevancyOracle, depth int) bool {
	if e.Flags.Has(FlagAlwaysRelevant) {
		return true
	}

	if isViewerOwned(e, v, o) {
		return true
	}

	if e.Flags.Has(FlagUseOwnerRelevancy) && e.Owner != 0 && depth < maxOwnerDepth {
		if owner, ok := o.Entity(e.Owner); ok {
			return isRelevant(owner, v, o, depth+1)
		}
	}

	if e.Flags.Has(FlagOnlyRelevantToOwner) {
		return false
	}

	if e.Flags.Has(FlagHidden) && !e.Flags.Has(FlagCollisionEnabled) {
		return false
	}

	return v.Location.DistSquared(e.Location) < e.CullDistanceSquared
}

// isViewerOwned reports whether e is the view target or pawn of v,
// or is owned through its owner chain by the view target or controller
func isViewerOwned(e *Entity, v *Viewer, o RelevancyOracle) bool {
	if v.ViewTarget != 0 && e.ID == v.ViewTarget {
		return true
	}
	if v.Pawn != 0 && e.ID == v.Pawn {
		return true
	}

	owner := e.Owner
	for depth := 0; owner != 0 && depth < maxOwnerDepth; depth++ {
		if owner == v.ViewTarget || owner == v.RealViewer {
			return true
		}

		oe, ok := o.Entity(owner)
		if !ok || oe.Owner == e.ID {
			return false
		}

		owner = oe.Owner
	}

	return false
}

// OwnerChainContains reports whether id appears in the owner chain of e
func OwnerChainContains(e *Entity, id EntityID, o RelevancyOracle) bool {
	owner := e.Owner
	for depth := 0; owner != 0 && depth < maxOwnerDepth; depth++ {
		if owner == id {
			return true
		}

		oe, ok := o.Entity(owner)
		if !ok {
			return false
		}

		owner = oe.Owner
	}

	return false
}
