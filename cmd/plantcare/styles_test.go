package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/verdant/plantcare/internal/care"
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestRenderDashboardAttentionLine(t *testing.T) {
	now := time.Date(2024, 1, 29, 12, 0, 0, 0, time.UTC)
	instances := []care.Instance{
		{ID: 1, Nickname: "Fern", Schedule: "every_4_weeks", LastFertilized: day(2024, 1, 1)},
		{ID: 2, Nickname: "Pothos", Schedule: "weekly", LastFertilized: day(2024, 1, 10)},
		{ID: 3, Nickname: "Cactus", Schedule: "every_12_weeks", LastFertilized: day(2024, 1, 20)},
	}

	out := renderDashboard(care.Aggregate(instances, now, care.DefaultThresholds()))
	assert.Contains(t, out, "3 plants")
	assert.Contains(t, out, "2 need attention")
	assert.Contains(t, out, "Overdue")
	assert.Contains(t, out, "Due today")

	healthy := renderDashboard(care.Aggregate(instances[2:], now, care.DefaultThresholds()))
	assert.NotContains(t, healthy, "need attention")
}
