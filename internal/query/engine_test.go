package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracecap/tracecap/internal/record"
)

func makeRecords() []record.Record {
	status := 200
	return []record.Record{
		{
			ID:      "aaaaaaaa-0000-0000-0000-000000000001",
			Request: record.RequestInfo{URL: "https://a.com/api/users", Method: "GET"},
			Response: record.ResponseInfo{
				StatusCode: &status,
				Body:       record.BodySummary{HasBody: true, Size: 120},
			},
		},
		{
			ID:      "aaaaaaaa-0000-0000-0000-000000000002",
			Request: record.RequestInfo{URL: "https://a.com/api/orders", Method: "POST"},
		},
		{
			ID:      "aaaaaaaa-0000-0000-0000-000000000003",
			Request: record.RequestInfo{URL: "https://b.com/api/users", Method: "GET"},
		},
	}
}

func TestRun_ExtractsValues(t *testing.T) {
	result, err := Run(makeRecords(), ".request.method", false, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"GET", "POST", "GET"}, result.Values)
	assert.Equal(t, 3, result.RawCount)
	assert.Empty(t, result.Errors)
}

func TestRun_Deduplicates(t *testing.T) {
	result, err := Run(makeRecords(), ".request.method", true, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"GET", "POST"}, result.Values)
	assert.Equal(t, 3, result.RawCount)
}

func TestRun_MaxResults(t *testing.T) {
	result, err := Run(makeRecords(), ".request.url", false, 2)
	require.NoError(t, err)
	assert.Len(t, result.Values, 2)
}

func TestRun_Filters(t *testing.T) {
	result, err := Run(makeRecords(), `select(.response.body.has_body) | .request.url`, false, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"https://a.com/api/users"}, result.Values)
}

func TestRun_CountsPerRecord(t *testing.T) {
	result, err := Run(makeRecords(), ".request.method", false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RecordCounts["00000001"])
	assert.Equal(t, 1, result.RecordCounts["00000002"])
}

func TestRun_RuntimeErrorsCollected(t *testing.T) {
	result, err := Run(makeRecords(), ".request.url | .[0]", false, 0)
	require.NoError(t, err)
	assert.Empty(t, result.Values)
	assert.NotEmpty(t, result.Errors)
}

func TestRun_BadExpressionFatal(t *testing.T) {
	_, err := Run(makeRecords(), "(((", false, 0)
	require.Error(t, err)
}

func TestValidateExpression(t *testing.T) {
	assert.NoError(t, ValidateExpression(".request.method"))
	assert.Error(t, ValidateExpression("((("))
}
