package store

import (
    "context"
    "database/sql"
    "embed"
    "errors"
    "fmt"
    "io/fs"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5/pgconn"
    _ "github.com/jackc/pgx/v5/stdlib"

    "dispatch/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Each file is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
    names, err := fs.Glob(migrations, "migrations/*.sql")
    if err != nil { return err }
    sort.Strings(names)
    for _, n := range names {
        b, err := migrations.ReadFile(n)
        if err != nil { return err }
        if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
            return fmt.Errorf("migrate %s: %w", n, err)
        }
    }
    return nil
}

const deliveryCols = `id::text, customer_name, customer_phone, pickup_address, pickup_lat, pickup_lng,
    delivery_address, delivery_lat, delivery_lng, driver_id::text, status, tracking_id, estimated_arrival, notes,
    created_at, assigned_at, picked_up_at, started_at, completed_at, cancelled_at`

type scanner interface{ Scan(dest ...any) error }

func scanDelivery(row scanner) (model.Delivery, error) {
    var d model.Delivery
    var pLat, pLng, dLat, dLng sql.NullFloat64
    var driverID, trackingID, notes sql.NullString
    var status string
    var eta, assigned, picked, started, completed, cancelled sql.NullTime
    err := row.Scan(&d.ID, &d.CustomerName, &d.CustomerPhone, &d.PickupAddress, &pLat, &pLng,
        &d.DeliveryAddress, &dLat, &dLng, &driverID, &status, &trackingID, &eta, &notes,
        &d.CreatedAt, &assigned, &picked, &started, &completed, &cancelled)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return d, ErrNotFound }
        return d, err
    }
    if pLat.Valid && pLng.Valid { d.Pickup = &model.GeoPoint{Lat: pLat.Float64, Lng: pLng.Float64} }
    if dLat.Valid && dLng.Valid { d.Dropoff = &model.GeoPoint{Lat: dLat.Float64, Lng: dLng.Float64} }
    d.DriverID = driverID.String
    d.Status = model.Status(status)
    d.TrackingID = trackingID.String
    d.Notes = notes.String
    d.EstimatedArrival = timePtr(eta)
    d.AssignedAt = timePtr(assigned)
    d.PickedUpAt = timePtr(picked)
    d.StartedAt = timePtr(started)
    d.CompletedAt = timePtr(completed)
    d.CancelledAt = timePtr(cancelled)
    d.CreatedAt = d.CreatedAt.UTC()
    return d, nil
}

func (p *Postgres) CreateDelivery(ctx context.Context, in model.DeliveryCreate) (model.Delivery, error) {
    id := uuid.New()
    var pLat, pLng, dLat, dLng any
    if in.Pickup != nil { pLat, pLng = in.Pickup.Lat, in.Pickup.Lng }
    if in.Dropoff != nil { dLat, dLng = in.Dropoff.Lat, in.Dropoff.Lng }
    row := p.db.QueryRowContext(ctx, `INSERT INTO deliveries (id, customer_name, customer_phone, pickup_address, pickup_lat, pickup_lng,
        delivery_address, delivery_lat, delivery_lng, status, notes) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        RETURNING `+deliveryCols,
        id, in.CustomerName, in.CustomerPhone, in.PickupAddress, pLat, pLng, in.DeliveryAddress, dLat, dLng,
        string(model.StatusCreated), nullIfEmpty(in.Notes))
    return scanDelivery(row)
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
    if _, err := uuid.Parse(id); err != nil { return model.Delivery{}, ErrNotFound }
    return scanDelivery(p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE id=$1`, id))
}

func (p *Postgres) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.Delivery, error) {
    limit := f.Limit
    if limit <= 0 || limit > defaultListLimit { limit = defaultListLimit }
    where := []string{"TRUE"}
    args := []any{}
    if f.DriverID != "" {
        if _, err := uuid.Parse(f.DriverID); err != nil { return []model.Delivery{}, nil }
        args = append(args, f.DriverID)
        where = append(where, fmt.Sprintf("driver_id=$%d", len(args)))
    }
    if f.Status != "" {
        args = append(args, string(f.Status))
        where = append(where, fmt.Sprintf("status=$%d", len(args)))
    }
    args = append(args, limit)
    q := fmt.Sprintf(`SELECT %s FROM deliveries WHERE %s ORDER BY created_at DESC, id LIMIT $%d`,
        deliveryCols, strings.Join(where, " AND "), len(args))
    return p.queryDeliveries(ctx, q, args...)
}

func (p *Postgres) queryDeliveries(ctx context.Context, q string, args ...any) ([]model.Delivery, error) {
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer func() { _ = rows.Close() }()
    out := []model.Delivery{}
    for rows.Next() {
        d, err := scanDelivery(rows)
        if err != nil { return nil, err }
        out = append(out, d)
    }
    return out, rows.Err()
}

// mutate loads a delivery row for update, lets fn change it and writes the mutable columns back.
func (p *Postgres) mutate(ctx context.Context, id string, fn func(tx *sql.Tx, d *model.Delivery) error) (model.Delivery, error) {
    if _, err := uuid.Parse(id); err != nil { return model.Delivery{}, ErrNotFound }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Delivery{}, err }
    defer func(){ _ = tx.Rollback() }()

    d, err := scanDelivery(tx.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE id=$1 FOR UPDATE`, id))
    if err != nil { return model.Delivery{}, err }
    if err := fn(tx, &d); err != nil { return d, err }
    _, err = tx.ExecContext(ctx, `UPDATE deliveries SET driver_id=$2, status=$3, tracking_id=$4, estimated_arrival=$5, notes=$6,
        assigned_at=$7, picked_up_at=$8, started_at=$9, completed_at=$10, cancelled_at=$11 WHERE id=$1`,
        d.ID, nullIfEmpty(d.DriverID), string(d.Status), nullIfEmpty(d.TrackingID), nullTime(d.EstimatedArrival), nullIfEmpty(d.Notes),
        nullTime(d.AssignedAt), nullTime(d.PickedUpAt), nullTime(d.StartedAt), nullTime(d.CompletedAt), nullTime(d.CancelledAt))
    if err != nil {
        if isUniqueViolation(err) { return model.Delivery{}, ErrConflict }
        return model.Delivery{}, err
    }
    if err := tx.Commit(); err != nil { return model.Delivery{}, err }
    return d, nil
}

func (p *Postgres) AssignDelivery(ctx context.Context, id, driverID string, at time.Time) (model.Delivery, error) {
    return p.mutate(ctx, id, func(tx *sql.Tx, d *model.Delivery) error {
        if _, err := uuid.Parse(driverID); err != nil { return ErrDriverNotFound }
        var role string
        err := tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id=$1`, driverID).Scan(&role)
        if errors.Is(err, sql.ErrNoRows) || (err == nil && role != model.RoleDriver) { return ErrDriverNotFound }
        if err != nil { return err }
        return applyAssign(d, driverID, at.UTC())
    })
}

func (p *Postgres) UpdateStatus(ctx context.Context, id string, to model.Status, notes string, at time.Time) (model.Delivery, model.Status, error) {
    var prev model.Status
    d, err := p.mutate(ctx, id, func(_ *sql.Tx, d *model.Delivery) error {
        prev = d.Status
        if to != "" {
            if err := applyStatus(d, to, at.UTC()); err != nil { return err }
        }
        if notes != "" { d.Notes = notes }
        return nil
    })
    if err != nil { return model.Delivery{}, prev, err }
    return d, prev, nil
}

func (p *Postgres) SetEstimatedArrival(ctx context.Context, id string, eta time.Time) error {
    if _, err := uuid.Parse(id); err != nil { return ErrNotFound }
    res, err := p.db.ExecContext(ctx, `UPDATE deliveries SET estimated_arrival=$2 WHERE id=$1`, id, eta.UTC())
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) SetTrackingID(ctx context.Context, id, trackingID string) (model.Delivery, error) {
    return p.mutate(ctx, id, func(_ *sql.Tx, d *model.Delivery) error {
        if d.TrackingID == "" { d.TrackingID = trackingID }
        return nil
    })
}

func (p *Postgres) DeliveryByTrackingID(ctx context.Context, trackingID string) (model.Delivery, error) {
    return scanDelivery(p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE tracking_id=$1`, trackingID))
}

func (p *Postgres) ActiveDeliveriesForDriver(ctx context.Context, driverID string) ([]model.Delivery, error) {
    if _, err := uuid.Parse(driverID); err != nil { return []model.Delivery{}, nil }
    return p.queryDeliveries(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE driver_id=$1 AND status = ANY($2) ORDER BY created_at`,
        driverID, []string{string(model.StatusAssigned), string(model.StatusPickedUp), string(model.StatusInTransit)})
}

func (p *Postgres) CreateUser(ctx context.Context, in model.UserCreate) (model.User, error) {
    u := model.User{ID: uuid.NewString(), Email: in.Email, Name: in.Name, Phone: in.Phone, Role: in.Role}
    err := p.db.QueryRowContext(ctx, `INSERT INTO users (id, email, name, phone, role) VALUES ($1,$2,$3,$4,$5) RETURNING created_at`,
        u.ID, u.Email, u.Name, nullIfEmpty(u.Phone), u.Role).Scan(&u.CreatedAt)
    if err != nil {
        if isUniqueViolation(err) { return model.User{}, ErrConflict }
        return model.User{}, err
    }
    u.CreatedAt = u.CreatedAt.UTC()
    return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (model.User, error) {
    if _, err := uuid.Parse(id); err != nil { return model.User{}, ErrNotFound }
    var u model.User
    var phone sql.NullString
    err := p.db.QueryRowContext(ctx, `SELECT id::text, email, name, phone, role, created_at FROM users WHERE id=$1`, id).
        Scan(&u.ID, &u.Email, &u.Name, &phone, &u.Role, &u.CreatedAt)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return u, ErrNotFound }
        return u, err
    }
    u.Phone = phone.String
    return u, nil
}

func (p *Postgres) ListUsers(ctx context.Context, role string) ([]model.User, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, email, name, phone, role, created_at FROM users
        WHERE ($1 = '' OR role = $1) ORDER BY name`, role)
    if err != nil { return nil, err }
    defer func() { _ = rows.Close() }()
    out := []model.User{}
    for rows.Next() {
        var u model.User
        var phone sql.NullString
        if err := rows.Scan(&u.ID, &u.Email, &u.Name, &phone, &u.Role, &u.CreatedAt); err != nil { return nil, err }
        u.Phone = phone.String
        out = append(out, u)
    }
    return out, rows.Err()
}

func isUniqueViolation(err error) bool {
    var pgErr *pgconn.PgError
    return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

func nullTime(t *time.Time) any { if t == nil { return nil }; return t.UTC() }

func timePtr(t sql.NullTime) *time.Time {
    if !t.Valid { return nil }
    v := t.Time.UTC()
    return &v
}
