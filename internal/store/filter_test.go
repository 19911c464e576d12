package store

import (
	"testing"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/stretchr/testify/assert"
)

func TestFilter_Match(t *testing.T) {
	owner := "user-a"
	inUse := domain.Cart{CartID: 4, Status: domain.CartStatusInUse, UserID: &owner}
	free := domain.Cart{CartID: 5, Status: domain.CartStatusNotInUse}

	assert.True(t, Filter{ByCartID(4), ByUserID("user-a")}.Match(inUse))
	assert.False(t, Filter{ByCartID(4), ByUserID("user-b")}.Match(inUse))
	assert.True(t, Filter{UserIDIsNull(), ByStatus(domain.CartStatusNotInUse)}.Match(free))
	assert.False(t, Filter{UserIDIsNull()}.Match(inUse))
	assert.True(t, Filter{}.Match(free))
}

func TestFilter_Validate(t *testing.T) {
	assert.NoError(t, Filter{ByCartID(1), ByStatus(domain.CartStatusInUse), ByUserID("u"), UserIDIsNull()}.Validate())
	assert.ErrorIs(t, Filter{{Column: ColCartID, Value: 1}}.Validate(), ErrInvalidFilter)
	assert.ErrorIs(t, Filter{{Column: ColStatus, Value: domain.CartStatus("broken")}}.Validate(), ErrInvalidFilter)
	assert.ErrorIs(t, Filter{{Column: ColUserID, Value: 42}}.Validate(), ErrInvalidFilter)
	assert.ErrorIs(t, Filter{{Column: "email", Value: "x"}}.Validate(), ErrInvalidFilter)
}

func TestFilter_String(t *testing.T) {
	f := Filter{ByCartID(3), UserIDIsNull()}
	assert.Equal(t, "cart_id = 3 AND user_id IS NULL", f.String())
}

func TestEvent_Matches(t *testing.T) {
	owner := "user-a"
	old := domain.Cart{CartID: 1, Status: domain.CartStatusInUse, UserID: &owner}
	released := domain.Cart{CartID: 1, Status: domain.CartStatusNotInUse}
	e := Event{Table: TableShoppingCarts, Op: OpUpdate, Old: &old, New: &released}

	assert.True(t, e.Matches(TableShoppingCarts, Filter{ByUserID("user-a")}))
	assert.True(t, e.Matches(TableShoppingCarts, Filter{ByCartID(1)}))
	assert.False(t, e.Matches(TableShoppingCarts, Filter{ByCartID(2)}))
	assert.False(t, e.Matches("purchase_history", nil))
}

func TestPatch_Validate(t *testing.T) {
	assert.NoError(t, Claim("user-a").Validate())
	assert.NoError(t, Release().Validate())
	assert.ErrorIs(t, Claim("").Validate(), ErrInvalidPatch)
	owner := "user-a"
	assert.ErrorIs(t, Patch{Status: domain.CartStatusNotInUse, UserID: &owner}.Validate(), ErrInvalidPatch)
}
