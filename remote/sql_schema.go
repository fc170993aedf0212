package remote

import (
	"time"

	"fadedreams/autofix/domain"
)

// Table layouts for the relational backend. Rows travel as maps; these types
// exist only to create and migrate the tables.

type profileRecord struct {
	ID                 string `gorm:"primaryKey"`
	Role               string `gorm:"index"`
	FullName           string
	Phone              string
	Email              string
	AvatarURL          string `gorm:"column:avatar_url"`
	CarType            string
	LicensePlate       string
	ServiceType        string
	Description        string
	Latitude           *float64
	Longitude          *float64
	IsAvailable        bool
	Rating             float64
	HourlyRate         float64
	Experience         int
	TotalJobs          int
	VerificationStatus string
	CreatedAt          time.Time
}

func (profileRecord) TableName() string { return domain.CollectionProfiles }

type requestRecord struct {
	ID               string `gorm:"primaryKey"`
	CustomerID       string `gorm:"index"`
	MechanicID       string `gorm:"index"`
	CarType          string
	ServiceType      string
	Description      string
	Status           string `gorm:"index"`
	Urgency          string
	PaymentStatus    string
	Latitude         *float64
	Longitude        *float64
	EstimatedCost    *float64
	FinalCost        *float64
	CustomerNotes    string
	MechanicNotes    string
	MechanicArrived  bool
	ServiceCompleted bool
	CreatedAt        time.Time
	AcceptedAt       *time.Time
	CompletedAt      *time.Time
}

func (requestRecord) TableName() string { return domain.CollectionRequests }

type messageRecord struct {
	ID              string `gorm:"primaryKey"`
	RequestID       string `gorm:"index"`
	SenderID        *string
	Message         string
	Type            string
	ImageURL        string `gorm:"column:image_url"`
	IsSystemMessage bool
	Read            bool
	CreatedAt       time.Time
}

func (messageRecord) TableName() string { return domain.CollectionMessages }

type notificationRecord struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	RequestID string
	Type      string
	Title     string
	Message   string
	Read      bool
	CreatedAt time.Time
}

func (notificationRecord) TableName() string { return domain.CollectionNotifications }

const changeChannel = "autofix_changes"

// notifyFunction publishes every row change on changeChannel as JSON.
const notifyFunction = `
CREATE OR REPLACE FUNCTION autofix_notify_change() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('` + changeChannel + `', json_build_object(
    'type', TG_OP,
    'table', TG_TABLE_NAME,
    'new', row_to_json(NEW),
    'old', CASE WHEN TG_OP = 'UPDATE' THEN row_to_json(OLD) ELSE NULL END
  )::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;`

func notifyTrigger(table string) []string {
	return []string{
		`DROP TRIGGER IF EXISTS autofix_changes ON ` + table,
		`CREATE TRIGGER autofix_changes AFTER INSERT OR UPDATE ON ` + table +
			` FOR EACH ROW EXECUTE FUNCTION autofix_notify_change()`,
	}
}
