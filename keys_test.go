package gatekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexKeysNeverMatchUserKeys(t *testing.T) {
	indexes := []string{keyActiveUsers, keyAlertIndex, keyFlaggedUsers}
	hostile := []string{"_active", "active", "_index", "_recent", "index", "users", ""}
	for _, id := range hostile {
		userKeys := []string{
			keyUserSessions(id), keyFlagged(id), keyAlert(id), keySuspended(id),
			keyGeoLast(id), keyGeoHistory(id), keyDeviceUsers(id),
			keyDeviceLogins(id), keyDeviceFailed(id), keyDeviceCountries(id),
			keyTrustCache(id, id), keySession(id, id), keyOTP(id, id),
		}
		for _, k := range userKeys {
			assert.NotContains(t, indexes, k, "user id %q", id)
		}
	}
}

func TestActiveIndexSurvivesOddUserIDs(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, time.Hour)

	ids := []string{"_active", "active", "index"}
	for _, id := range ids {
		require.NoError(t, reg.Create(ctx, &Session{UserID: id, DeviceID: "d1", Token: "tok-" + id}))
	}

	users, err := reg.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, users)
	for _, id := range ids {
		active, err := reg.ListActive(ctx, id)
		require.NoError(t, err)
		assert.Len(t, active, 1, "user %q", id)
	}
}
