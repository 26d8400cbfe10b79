package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePaginationParams(t *testing.T) {
	request := func(query string) *http.Request {
		return httptest.NewRequest(http.MethodGet, "/api/v1/threads"+query, nil)
	}

	t.Run("defaults", func(t *testing.T) {
		page, limit := ParsePaginationParams(request(""), 50)
		assert.Equal(t, 1, page)
		assert.Equal(t, 50, limit)
	})

	t.Run("explicit values", func(t *testing.T) {
		page, limit := ParsePaginationParams(request("?page=3&limit=25"), 50)
		assert.Equal(t, 3, page)
		assert.Equal(t, 25, limit)
	})

	t.Run("invalid values fall back", func(t *testing.T) {
		page, limit := ParsePaginationParams(request("?page=zero&limit=-5"), 50)
		assert.Equal(t, 1, page)
		assert.Equal(t, 50, limit)
	})

	t.Run("limit is capped", func(t *testing.T) {
		_, limit := ParsePaginationParams(request("?limit=1000000"), 50)
		assert.Equal(t, maxPageLimit, limit)
	})
}
