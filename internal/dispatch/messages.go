package dispatch

import (
	"fmt"

	"locksmith-dispatch/internal/models"
)

var serviceNames = map[string]string{
	"home_lockout": "Home Lockout",
	"car_lockout":  "Car Lockout",
	"rekey":        "Lock Rekey",
	"smart_lock":   "Smart Lock Install",
}

func serviceName(serviceType string) string {
	if n, ok := serviceNames[serviceType]; ok {
		return n
	}
	return serviceType
}

func dollars(cents int) string {
	if cents%100 == 0 {
		return fmt.Sprintf("$%d", cents/100)
	}
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func offerBody(job models.Job) string {
	return fmt.Sprintf("New job! %s in %s (%s). Reply Y <price> to accept or N to decline.",
		serviceName(job.ServiceType), job.City, job.Urgency)
}

func winnerBody(job models.Job, quotedCents int) string {
	return fmt.Sprintf("Job confirmed at %s! Customer: %s at %s. Please head there now.",
		dollars(quotedCents), job.CustomerName, job.Address)
}

func loserBody() string {
	return "That job was just taken by another locksmith. We'll text you the next one."
}

func customerAssignedBody(l models.Locksmith) string {
	return fmt.Sprintf("Good news! %s is on the way to help you.", l.DisplayName)
}

func customerFailedBody() string {
	return "We're sorry, we couldn't find an available locksmith. A refund will be processed."
}

func customerReceivedBody() string {
	return "Your locksmith request has been received! We're finding someone to help you now."
}
