package store

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/anonchat/presence-go/internal/model"
)

// Migrate 建表并安装在线表变更通知触发器
func Migrate(db *gorm.DB, notifyChannel string) error {
	tables := []interface{}{
		&model.UserStatus{},
		&model.PresenceRecord{},
		&model.AuditEntry{},
	}
	for _, t := range tables {
		if err := db.AutoMigrate(t); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", t, err)
		}
	}

	for _, stmt := range triggerSQL(notifyChannel) {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to install presence trigger: %w", err)
		}
	}
	return nil
}

// triggerSQL 每次 presence 行变更时 pg_notify 一条 JSON，载荷与 model.ChangeEvent 一致
func triggerSQL(channel string) []string {
	return []string{
		fmt.Sprintf(`
CREATE OR REPLACE FUNCTION notify_presence_change() RETURNS trigger AS $$
DECLARE
  rec presence;
BEGIN
  IF TG_OP = 'DELETE' THEN
    rec := OLD;
  ELSE
    rec := NEW;
  END IF;
  PERFORM pg_notify('%s', json_build_object(
    'op', lower(TG_OP),
    'at', clock_timestamp(),
    'record', row_to_json(rec)
  )::text);
  RETURN rec;
END;
$$ LANGUAGE plpgsql`, channel),
		`DROP TRIGGER IF EXISTS presence_change_notify ON presence`,
		`CREATE TRIGGER presence_change_notify
  AFTER INSERT OR UPDATE OR DELETE ON presence
  FOR EACH ROW EXECUTE FUNCTION notify_presence_change()`,
	}
}
