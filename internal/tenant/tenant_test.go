package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemora/mnemora/internal/memory"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ctx     Context
		wantErr error
	}{
		{
			name: "valid tuple",
			ctx:  Context{CompanyID: "acme", AppID: "crm", UserID: "u-42"},
		},
		{
			name: "valid with session",
			ctx:  Context{CompanyID: "acme", AppID: "crm", UserID: "u_42", SessionID: "sess-1"},
		},
		{
			name:    "missing company",
			ctx:     Context{AppID: "crm", UserID: "u-42"},
			wantErr: memory.ErrMissingTenantContext,
		},
		{
			name:    "missing app",
			ctx:     Context{CompanyID: "acme", UserID: "u-42"},
			wantErr: memory.ErrMissingTenantContext,
		},
		{
			name:    "missing user",
			ctx:     Context{CompanyID: "acme", AppID: "crm"},
			wantErr: memory.ErrMissingTenantContext,
		},
		{
			name:    "company with spaces",
			ctx:     Context{CompanyID: "ac me", AppID: "crm", UserID: "u-42"},
			wantErr: memory.ErrInvalidIDFormat,
		},
		{
			name:    "app with path traversal",
			ctx:     Context{CompanyID: "acme", AppID: "../etc", UserID: "u-42"},
			wantErr: memory.ErrInvalidIDFormat,
		},
		{
			name:    "user with unicode",
			ctx:     Context{CompanyID: "acme", AppID: "crm", UserID: "üser"},
			wantErr: memory.ErrInvalidIDFormat,
		},
		{
			name:    "bad session id",
			ctx:     Context{CompanyID: "acme", AppID: "crm", UserID: "u-42", SessionID: "s;1"},
			wantErr: memory.ErrInvalidIDFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ctx.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateForWrite(t *testing.T) {
	ok := Context{CompanyID: "acme", AppID: "crm", UserID: "u-42"}
	require.NoError(t, ok.ValidateForWrite())

	reserved := Context{CompanyID: "acme", AppID: "crm", UserID: SystemUserID}
	require.ErrorIs(t, reserved.ValidateForWrite(), memory.ErrReservedUserID)

	// Validate still accepts the system user for maintenance reads.
	require.NoError(t, reserved.Validate())
}

func TestTenantID(t *testing.T) {
	c := Context{CompanyID: "acme", AppID: "crm", UserID: "u-42"}
	assert.Equal(t, "acme:crm", c.TenantID())
}

func TestSystem(t *testing.T) {
	c := System("acme", "crm")
	assert.Equal(t, SystemUserID, c.UserID)
	require.NoError(t, c.Validate())
}

func TestContextRoundTrip(t *testing.T) {
	want := Context{CompanyID: "acme", AppID: "crm", UserID: "u-42", RequestID: "req-1"}
	ctx := WithContext(context.Background(), want)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
