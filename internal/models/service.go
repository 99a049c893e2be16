package models

import "time"

type Service struct {
	ServiceID          string    `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description"`
	AvgServiceTimeMins int       `json:"avg_service_time_mins"`
	Active             bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
}
