package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"signaldesk/internal/types"
)

// Compile-time assertion that RecipientRepository implements
// types.RecipientDirectory.
var _ types.RecipientDirectory = (*RecipientRepository)(nil)

// RecipientRepository resolves event recipient hints against the recipients
// table, which holds delivery addresses and channel preferences.
type RecipientRepository struct {
	db DBTX
}

// NewRecipientRepository creates a RecipientRepository backed by the given
// database connection (pool or transaction).
func NewRecipientRepository(db DBTX) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Resolve loads the full recipient for a hint. A role carried on the hint
// wins over the stored one (events may scope a recipient down, e.g. to
// viewer). An unknown recipient is not an error: delivery falls back to the
// hint itself, which still reaches any live websocket connection by ID.
func (r *RecipientRepository) Resolve(ctx context.Context, ref types.RecipientRef) (types.Recipient, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, role, tenant_id, email, phone, push_target
		 FROM recipients WHERE id = $1`,
		ref.RecipientID,
	)

	var (
		rec        types.Recipient
		role       string
		tenantID   *string
		email      *string
		phone      *string
		pushTarget *string
	)
	err := row.Scan(&rec.ID, &role, &tenantID, &email, &phone, &pushTarget)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Recipient{
				ID:       ref.RecipientID,
				Role:     ref.Role,
				TenantID: ref.TenantID,
			}, nil
		}
		return types.Recipient{}, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve recipient", err)
	}

	rec.Role = types.RecipientRole(role)
	if ref.Role != "" {
		rec.Role = ref.Role
	}
	if tenantID != nil {
		rec.TenantID = *tenantID
	}
	if email != nil {
		rec.Email = *email
	}
	if phone != nil {
		rec.Phone = *phone
	}
	if pushTarget != nil {
		rec.PushTarget = *pushTarget
	}
	return rec, nil
}
