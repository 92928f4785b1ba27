package domain

// DeliveryStats counts delivery outcomes for one channel on one UTC day.
type DeliveryStats struct {
	Day          string `json:"day"`
	ChannelID    string `json:"channel_id"`
	PostsSent    int    `json:"posts_sent"`
	SendFailures int    `json:"send_failures"`
}
