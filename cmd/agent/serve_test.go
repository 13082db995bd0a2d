package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/tools"
)

func TestBuildSystemPrompt(t *testing.T) {
	descriptors := []tools.Descriptor{
		{Name: "create_task", Description: "Create a task."},
		{Name: "delete_task", Description: "Delete a task.", MutatesState: true},
	}

	prompt := buildSystemPrompt(autonomy.Manual, descriptors)
	assert.Contains(t, prompt, "The current autonomy level is MANUAL.")
	assert.Contains(t, prompt, "queued for the family member to confirm")
	assert.Contains(t, prompt, "1. create_task: Create a task.")
	assert.Contains(t, prompt, "2. delete_task: Delete a task. (changes existing data)")

	assisted := buildSystemPrompt(autonomy.Assisted, tools.Default(nil).Descriptors())
	assert.Contains(t, assisted, "unsure about are queued")
	assert.Contains(t, assisted, "\n29. ")
	assert.NotContains(t, assisted, "\n30. ")
	assert.Equal(t, 1, strings.Count(assisted, "delete_data: "))
}
