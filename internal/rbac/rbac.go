package rbac

type Tier string
type Action string

const (
	TierViewer Tier = "viewer"
	TierEditor Tier = "editor"
)

const (
	ActionViewRecords Action = "view_records"
	ActionEditRecords Action = "edit_records"
)

func Can(tier Tier, action Action) bool {
	switch tier {
	case TierEditor:
		return true
	case TierViewer:
		return action == ActionViewRecords
	default:
		return false
	}
}

func Normalize(tier string) Tier {
	switch Tier(tier) {
	case TierViewer, TierEditor:
		return Tier(tier)
	default:
		return TierViewer
	}
}
