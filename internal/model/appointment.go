package model

// Appointment is the appointment summary returned with a successful join.
type Appointment struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	PatientID   string  `json:"patientId"`
	PatientName *string `json:"patientName,omitempty"`
	StudentID   string  `json:"studentId"`
	StudentName *string `json:"studentName,omitempty"`
}
