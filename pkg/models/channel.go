package models

const (
	ChannelTypeText   = "text"
	ChannelTypeSystem = "system"

	// AnnouncementsChannelID is the synthetic channel backed by global alerts.
	AnnouncementsChannelID = "announcements"
)

type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	IsPrivate   bool   `json:"is_private,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
}

// AnnouncementsChannel is prepended to the channel list when announcements
// are enabled.
func AnnouncementsChannel() Channel {
	return Channel{
		ID:          AnnouncementsChannelID,
		Name:        "Announcements",
		Description: "Server-wide announcements",
		Type:        ChannelTypeSystem,
	}
}
