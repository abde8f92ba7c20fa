package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog("")
	bundles := c.Bundles()
	require.Len(t, bundles, 3)

	assert.Equal(t, "starter", bundles[0].ID)
	assert.Equal(t, "USD", bundles[0].Currency)
	assert.Equal(t, "0.0998", bundles[0].PerCredit().String())
	assert.Equal(t, "0.075", bundles[1].PerCredit().String())
	assert.Equal(t, "0.05", bundles[2].PerCredit().String())

	best, ok := c.BestValue()
	require.True(t, ok)
	assert.Equal(t, "studio", best.ID)
}

func TestNewCatalog_Validation(t *testing.T) {
	price := decimal.RequireFromString("1.00")

	_, err := NewCatalog([]Bundle{{ID: "", Credits: 1, Price: price}})
	assert.Error(t, err)

	_, err = NewCatalog([]Bundle{{ID: "a", Credits: 0, Price: price}})
	assert.Error(t, err)

	_, err = NewCatalog([]Bundle{{ID: "a", Credits: 1, Price: decimal.Zero}})
	assert.Error(t, err)

	_, err = NewCatalog([]Bundle{{ID: "a", Credits: 1, Price: price}, {ID: "a", Credits: 2, Price: price}})
	assert.Error(t, err)
}

func TestCatalog_SortedAndCopied(t *testing.T) {
	price := decimal.RequireFromString("1.00")
	c, err := NewCatalog([]Bundle{
		{ID: "big", Credits: 100, Price: price},
		{ID: "small", Credits: 10, Price: price},
	})
	require.NoError(t, err)

	bundles := c.Bundles()
	assert.Equal(t, "small", bundles[0].ID)
	bundles[0].ID = "mutated"

	got, ok := c.Get("small")
	require.True(t, ok)
	assert.Equal(t, "small", got.ID)
	assert.Equal(t, "small", c.Bundles()[0].ID)
}
