package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/sfgrid-tech/sfgrid/core/csql"
)

// Postgres is the production Gateway on top of a schema-scoped database.
type Postgres struct {
	db *csql.DB
}

// NewPostgres creates the gateway and its tables if they do not exist yet.
func NewPostgres(db *csql.DB) *Postgres {
	if db == nil {
		panic("DB is missing")
	}
	_, err := db.Exec(`
CREATE table IF NOT EXISTS ` + db.Schema + `."reading"
(serial SERIAL,
device_id varchar NOT NULL,
sensor_type varchar NOT NULL,
topic varchar NOT NULL,
value double precision NOT NULL,
unit varchar NOT NULL,
timestamp timestamp NOT NULL,
raw_data json,
PRIMARY KEY(serial)
);
CREATE table IF NOT EXISTS ` + db.Schema + `."alert"
(alert_id uuid NOT NULL,
sensor_id varchar NOT NULL,
alert_type varchar NOT NULL,
message varchar NOT NULL,
triggered_value double precision NOT NULL,
limit_value double precision NOT NULL,
unit varchar NOT NULL,
mqtt_topic varchar NOT NULL,
raw_data json,
triggered_at timestamp NOT NULL,
is_resolved boolean NOT NULL DEFAULT false,
resolved_at timestamp,
PRIMARY KEY(alert_id)
);
CREATE INDEX IF NOT EXISTS alert_unresolved_idx ON ` + db.Schema + `."alert"(sensor_id, alert_type) WHERE NOT is_resolved;
CREATE table IF NOT EXISTS ` + db.Schema + `."command"
(serial SERIAL,
device_id varchar NOT NULL,
topic varchar NOT NULL,
user_id varchar NOT NULL,
payload json,
sent_at timestamp NOT NULL,
PRIMARY KEY(serial)
);
CREATE table IF NOT EXISTS ` + db.Schema + `."session"
(session_id uuid NOT NULL,
user_id varchar NOT NULL,
connected_at timestamp NOT NULL,
last_active timestamp NOT NULL,
PRIMARY KEY(session_id)
);`)
	if err != nil {
		panic(err)
	}
	return &Postgres{db: db}
}

// RecordReading implements Gateway.
func (p *Postgres) RecordReading(ctx context.Context, reading Reading) error {
	raw := reading.RawData
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."reading"(device_id,sensor_type,topic,value,unit,timestamp,raw_data)
VALUES($1,$2,$3,$4,$5,$6,$7);`,
		reading.DeviceID, reading.SensorType, reading.Topic,
		reading.Value, reading.Unit, reading.Timestamp.UTC(), raw)
	return err
}

// RecordCommand implements Gateway.
func (p *Postgres) RecordCommand(ctx context.Context, command Command) error {
	payload := command.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."command"(device_id,topic,user_id,payload,sent_at)
VALUES($1,$2,$3,$4,$5);`,
		command.DeviceID, command.Topic, command.UserID, payload, command.SentAt.UTC())
	return err
}

// RecordAlert implements Gateway. It assigns the alert identifier.
func (p *Postgres) RecordAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	raw := alert.RawData
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."alert"
(alert_id,sensor_id,alert_type,message,triggered_value,limit_value,unit,mqtt_topic,raw_data,triggered_at,is_resolved)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,false);`,
		alert.ID, alert.SensorID, alert.AlertType, alert.Message,
		alert.TriggeredValue, alert.LimitValue, alert.Unit,
		alert.MQTTTopic, raw, alert.TriggeredAt.UTC())
	return err
}

// UpdateAlert implements Gateway.
func (p *Postgres) UpdateAlert(ctx context.Context, id string, resolved bool, resolvedAt *time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE `+p.db.Schema+`."alert" SET is_resolved=$2, resolved_at=$3 WHERE alert_id=$1;`,
		id, resolved, resolvedAt)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err == nil && count == 0 {
		return ErrNotFound
	}
	return err
}

func scanAlert(row interface{ Scan(...any) error }) (Alert, error) {
	var alert Alert
	var resolvedAt sql.NullTime
	err := row.Scan(&alert.ID, &alert.SensorID, &alert.AlertType, &alert.Message,
		&alert.TriggeredValue, &alert.LimitValue, &alert.Unit, &alert.MQTTTopic,
		&alert.RawData, &alert.TriggeredAt, &alert.IsResolved, &resolvedAt)
	if err != nil {
		return Alert{}, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	return alert, nil
}

const alertColumns = `alert_id,sensor_id,alert_type,message,triggered_value,limit_value,unit,mqtt_topic,raw_data,triggered_at,is_resolved,resolved_at`

// Alert implements Gateway.
func (p *Postgres) Alert(ctx context.Context, id string) (Alert, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM `+p.db.Schema+`."alert" WHERE alert_id=$1;`, id)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return Alert{}, ErrNotFound
	}
	return alert, err
}

// UnresolvedAlert implements Gateway.
func (p *Postgres) UnresolvedAlert(ctx context.Context, sensorID, alertType string) (*Alert, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM `+p.db.Schema+`."alert"
WHERE sensor_id=$1 AND alert_type=$2 AND NOT is_resolved LIMIT 1;`, sensorID, alertType)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// Alerts implements Gateway. Newest first.
func (p *Postgres) Alerts(ctx context.Context, includeResolved bool, limit int) ([]Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM ` + p.db.Schema + `."alert"`
	if !includeResolved {
		query += ` WHERE NOT is_resolved`
	}
	query += ` ORDER BY triggered_at DESC`
	if limit > 0 {
		query += ` LIMIT $1`
	}
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = p.db.QueryContext(ctx, query+`;`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, query+`;`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var alerts []Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// SaveSession implements Gateway.
func (p *Postgres) SaveSession(ctx context.Context, record SessionRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."session"(session_id,user_id,connected_at,last_active)
VALUES($1,$2,$3,$4)
ON CONFLICT (session_id) DO UPDATE SET last_active=$4;`,
		record.SessionID, record.UserID, record.ConnectedAt.UTC(), record.LastActive.UTC())
	return err
}

// DeleteSession implements Gateway.
func (p *Postgres) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Schema+`."session" WHERE session_id=$1;`, sessionID)
	return err
}

// ActiveSessions implements Gateway.
func (p *Postgres) ActiveSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT session_id,user_id,connected_at,last_active FROM `+p.db.Schema+`."session";`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []SessionRecord
	for rows.Next() {
		var record SessionRecord
		if err := rows.Scan(&record.SessionID, &record.UserID,
			&record.ConnectedAt, &record.LastActive); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// RecentReadings implements Gateway. Newest first.
func (p *Postgres) RecentReadings(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT device_id,sensor_type,topic,value,unit,timestamp,raw_data FROM ` +
		p.db.Schema + `."reading"`
	args := []any{limit}
	if deviceID != "" {
		query += ` WHERE device_id=$2`
		args = append(args, deviceID)
	}
	query += ` ORDER BY timestamp DESC LIMIT $1;`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var readings []Reading
	for rows.Next() {
		var reading Reading
		if err := rows.Scan(&reading.DeviceID, &reading.SensorType, &reading.Topic,
			&reading.Value, &reading.Unit, &reading.Timestamp, &reading.RawData); err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}
