package model

import "time"

// Drive is one row of the persistent drive registry. CollectionID is the
// virtual id handed out by the control plane. The (Type, LocalReference,
// Project) tuple determines at most one physical root.
type Drive struct {
	CollectionID      int64   `json:"collection_id" gorm:"primaryKey;autoIncrement:false"`
	LocalReference    string  `json:"local_reference"`
	Project           *string `json:"project"`
	Type              string  `json:"type"`
	System            string  `json:"system"`
	InMaintenanceMode bool    `json:"in_maintenance_mode"`

	// Billing owner. Project drives are always billed to their project; these
	// columns matter for collection drives, whose owner isn't derivable from
	// the path.
	OwnedByUser    *string `json:"owned_by_user"`
	OwnedByProject *string `json:"owned_by_project"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Drive) TableName() string {
	return "storage_drives"
}

const (
	DriveTypePersonalWorkspace  = "PERSONAL_WORKSPACE"
	DriveTypeProjectRepository  = "PROJECT_REPOSITORY"
	DriveTypeProjectMemberFiles = "PROJECT_MEMBER_FILES"
	DriveTypeCollection         = "COLLECTION"
	DriveTypeShare              = "SHARE"
)
