package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskTypeValid(t *testing.T) {
	assert.True(t, TaskSinglePage.Valid())
	assert.True(t, TaskBatch.Valid())
	assert.True(t, TaskFullSite.Valid())
	assert.False(t, TaskType("teleport").Valid())
	assert.False(t, TaskType("").Valid())
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
	// Unknown priorities sort with low.
	assert.Equal(t, PriorityLow.Rank(), TaskPriority("whenever").Rank())
}

func TestScanRequestToTask(t *testing.T) {
	req := &ScanRequest{
		URL:      "https://example.com",
		Type:     "full-site",
		Priority: "high",
		MaxDepth: 3,
		MaxPages: 25,
		Engines:  []string{"image-alt"},
	}
	task := req.Task()
	assert.Equal(t, TaskFullSite, task.Type)
	assert.Equal(t, "https://example.com", task.URL)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, 3, task.Options.MaxDepth)
	assert.Equal(t, 25, task.Options.MaxPages)
	assert.Equal(t, []string{"image-alt"}, task.Options.Engines)
}
