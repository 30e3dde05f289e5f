package notify

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
)

const triggerNamePrefix = "event_insert_notify_"

func triggerName(class WatchClass) string {
	return triggerNamePrefix + class.Name
}

func dropTriggerSQL(class WatchClass) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s", triggerName(class))
}

func createTriggerSQL(class WatchClass) string {
	quoted := make([]string, 0, len(class.EventTypes))
	for _, eventType := range class.EventTypes {
		quoted = append(quoted, quoteLiteral(eventType))
	}
	return fmt.Sprintf(
		"CREATE TRIGGER %s AFTER INSERT ON %s WHEN NEW.type IN (%s) BEGIN "+
			"INSERT INTO %s (event_id, room_id, watch_class, attempts) VALUES (NEW.event_id, NEW.room_id, %s, 0); "+
			"END",
		triggerName(class),
		events.Event{}.TableName(),
		strings.Join(quoted, ", "),
		Notification{}.TableName(),
		quoteLiteral(class.Name),
	)
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
