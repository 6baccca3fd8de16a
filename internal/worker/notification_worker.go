package worker

import (
	"github.com/spec-kit/issue-tracker/internal/service"
)

// StartNotificationWorker registers notification handlers on the dispatcher
// the service was built with.
func StartNotificationWorker(notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
}
