package models

type Salon struct {
	SalonID  string `json:"salon_id"`
	Name     string `json:"name"`
	TimeZone string `json:"time_zone,omitempty"`
}

type Service struct {
	ServiceID       string  `json:"service_id"`
	SalonID         string  `json:"salon_id"`
	Name            string  `json:"name"`
	Price           float64 `json:"price"`
	DurationMinutes int     `json:"duration_minutes"`
	Active          bool    `json:"active"`
}

type Staff struct {
	StaffID string `json:"staff_id"`
	SalonID string `json:"salon_id"`
	Name    string `json:"name"`
	Active  bool   `json:"active"`
}
