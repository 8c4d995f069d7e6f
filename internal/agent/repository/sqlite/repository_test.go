package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/db"
)

func createTestRepo(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	})
	return repo
}

func createTestAgent(t *testing.T, repo *Repository) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		OwnerID:            "user-1",
		Name:               "research-agent",
		SystemInstructions: "You are a research assistant.",
		TaskInstructions:   "Summarize today's updates.",
		Model:              "gpt-4o",
		Temperature:        0.7,
		AllowedTools:       []string{"get_current_time"},
	}
	if err := repo.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	return agent
}

func TestCreateAndGetAgent(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)

	got, err := repo.GetAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("failed to get agent: %v", err)
	}
	if got.Name != "research-agent" || got.Model != "gpt-4o" {
		t.Errorf("agent fields lost: %+v", got)
	}
	if got.Status != models.AgentStatusIdle {
		t.Errorf("expected idle status, got %s", got.Status)
	}
	if len(got.AllowedTools) != 1 || got.AllowedTools[0] != "get_current_time" {
		t.Errorf("allowed tools lost: %v", got.AllowedTools)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	repo := createTestRepo(t)
	_, err := repo.GetAgent(context.Background(), "missing")
	if !apperr.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestCreateAgentRejectsBadCron(t *testing.T) {
	repo := createTestRepo(t)
	bad := "*/5 * * *" // four fields
	agent := &models.Agent{OwnerID: "u", Name: "a", Model: "m", Schedule: &bad}
	err := repo.CreateAgent(context.Background(), agent)
	if !apperr.IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgument for bad cron, got %v", err)
	}

	good := "*/5 * * * *"
	agent = &models.Agent{OwnerID: "u", Name: "a", Model: "m", Schedule: &good}
	if err := repo.CreateAgent(context.Background(), agent); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
}

func TestThreadCreatedWithSystemMessage(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)

	thread, err := repo.CreateThreadWithSystemMessage(context.Background(), agent, models.ThreadTypeScheduled, "nightly run")
	if err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}
	if thread.ThreadType != models.ThreadTypeScheduled {
		t.Errorf("expected scheduled thread type, got %s", thread.ThreadType)
	}

	msgs, err := repo.ListMessages(context.Background(), thread.ID, ListMessagesOptions{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one system message, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem {
		t.Errorf("expected system role, got %s", msgs[0].Role)
	}
	if msgs[0].Content != agent.SystemInstructions {
		t.Errorf("system message should capture instructions at creation time")
	}
}

func TestSystemMessageCapturedAtCreationTime(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)

	thread, err := repo.CreateThreadWithSystemMessage(context.Background(), agent, models.ThreadTypeChat, "")
	if err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}

	agent.SystemInstructions = "You are something else now."
	if err := repo.UpdateAgent(context.Background(), agent); err != nil {
		t.Fatalf("failed to update agent: %v", err)
	}

	msgs, err := repo.ListMessages(context.Background(), thread.ID, ListMessagesOptions{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if msgs[0].Content != "You are a research assistant." {
		t.Error("system message should not follow later agent edits")
	}
}

func TestGetThreadForAgentMismatch(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)
	other := createTestAgent(t, repo)

	thread, err := repo.CreateThreadWithSystemMessage(context.Background(), agent, models.ThreadTypeChat, "")
	if err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}

	if _, err := repo.GetThreadForAgent(context.Background(), thread.ID, other.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected NotFound for mismatched agent, got %v", err)
	}
	if _, err := repo.GetThreadForAgent(context.Background(), thread.ID, agent.ID); err != nil {
		t.Errorf("expected thread for owning agent, got %v", err)
	}
}

func TestAppendMessagesOrderAndCursor(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)
	ctx := context.Background()

	thread, err := repo.CreateThreadWithSystemMessage(ctx, agent, models.ThreadTypeChat, "")
	if err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}

	toolName := "get_current_time"
	toolCallID := "call_1"
	ids, err := repo.AppendMessages(ctx, thread.ID, []*models.Message{
		{Role: models.RoleUser, Content: "what time is it", MessageType: models.MessageTypeUser},
		{Role: models.RoleAssistant, Content: "", MessageType: models.MessageTypeAssistant,
			ToolCalls: []models.ToolCall{{ID: "call_1", Name: "get_current_time", Arguments: []byte(`{}`)}}},
		{Role: models.RoleTool, Content: "12:00", MessageType: models.MessageTypeToolOut,
			ToolName: &toolName, ToolCallID: &toolCallID},
	})
	if err != nil {
		t.Fatalf("failed to append messages: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 inserted ids, got %d", len(ids))
	}

	msgs, err := repo.ListMessages(ctx, thread.ID, ListMessagesOptions{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages including system, got %d", len(msgs))
	}
	roles := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool}
	for i, want := range roles {
		if msgs[i].Role != want {
			t.Errorf("position %d: expected role %s, got %s", i, want, msgs[i].Role)
		}
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Name != "get_current_time" {
		t.Errorf("tool_calls lost: %+v", msgs[2].ToolCalls)
	}

	// Cursor: everything after the user message.
	since, err := repo.ListMessages(ctx, thread.ID, ListMessagesOptions{SinceID: ids[0]})
	if err != nil {
		t.Fatalf("failed to list since cursor: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("expected 2 messages after cursor, got %d", len(since))
	}
}

func TestAppendMessagesValidation(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)
	ctx := context.Background()
	thread, _ := repo.CreateThreadWithSystemMessage(ctx, agent, models.ThreadTypeChat, "")

	// A second system message is never allowed.
	_, err := repo.AppendMessages(ctx, thread.ID, []*models.Message{
		{Role: models.RoleSystem, Content: "another", MessageType: models.MessageTypeSystem},
	})
	if !apperr.IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgument for appended system message, got %v", err)
	}

	// Tool messages need tool_name and tool_call_id.
	_, err = repo.AppendMessages(ctx, thread.ID, []*models.Message{
		{Role: models.RoleTool, Content: "x", MessageType: models.MessageTypeToolOut},
	})
	if !apperr.IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgument for tool message without metadata, got %v", err)
	}
}

func TestMarkMessagesProcessed(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)
	ctx := context.Background()
	thread, _ := repo.CreateThreadWithSystemMessage(ctx, agent, models.ThreadTypeChat, "")

	ids, err := repo.AppendMessages(ctx, thread.ID, []*models.Message{
		{Role: models.RoleUser, Content: "hi", MessageType: models.MessageTypeUser},
	})
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	if err := repo.MarkMessagesProcessed(ctx, ids); err != nil {
		t.Fatalf("failed to mark processed: %v", err)
	}
	msgs, _ := repo.ListMessages(ctx, thread.ID, ListMessagesOptions{SinceID: ""})
	if !msgs[1].Processed {
		t.Error("expected message to be processed")
	}
}

func TestRunStatusMonotone(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)
	ctx := context.Background()
	thread, _ := repo.CreateThreadWithSystemMessage(ctx, agent, models.ThreadTypeManual, "")

	run, err := repo.CreateRun(ctx, agent.ID, thread.ID, models.TriggerManual)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.Status != models.RunStatusQueued {
		t.Fatalf("expected queued, got %s", run.Status)
	}

	// queued → success skips running: Conflict.
	if _, err := repo.FinishRun(ctx, run.ID, models.RunStatusSuccess, nil, nil); !apperr.IsConflict(err) {
		t.Errorf("expected Conflict for queued→success, got %v", err)
	}

	started, err := repo.StartRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	if started.Status != models.RunStatusRunning || started.StartedAt == nil {
		t.Errorf("expected running with started_at, got %+v", started)
	}

	// Double start: Conflict.
	if _, err := repo.StartRun(ctx, run.ID); !apperr.IsConflict(err) {
		t.Errorf("expected Conflict for double start, got %v", err)
	}

	summary := "did the thing"
	finished, err := repo.FinishRun(ctx, run.ID, models.RunStatusSuccess, nil, &summary)
	if err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}
	if finished.Status != models.RunStatusSuccess || finished.DurationMs == nil {
		t.Errorf("expected success with duration, got %+v", finished)
	}
	if finished.Summary == nil || *finished.Summary != "did the thing" {
		t.Errorf("summary lost: %+v", finished.Summary)
	}

	// Idempotent re-finish with the same status.
	if _, err := repo.FinishRun(ctx, run.ID, models.RunStatusSuccess, nil, &summary); err != nil {
		t.Errorf("re-finish with same status should be idempotent, got %v", err)
	}

	// success → failed: Conflict.
	if _, err := repo.FinishRun(ctx, run.ID, models.RunStatusFailed, nil, nil); !apperr.IsConflict(err) {
		t.Errorf("expected Conflict for success→failed, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)
	ctx := context.Background()
	thread, _ := repo.CreateThreadWithSystemMessage(ctx, agent, models.ThreadTypeManual, "")

	var runIDs []string
	for i := 0; i < 3; i++ {
		run, err := repo.CreateRun(ctx, agent.ID, thread.ID, models.TriggerSchedule)
		if err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		runIDs = append(runIDs, run.ID)
	}

	runs, err := repo.ListRuns(ctx, agent.ID, ListRunsOptions{Limit: 2})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != runIDs[2] {
		t.Error("expected newest run first")
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)
	ctx := context.Background()

	thread, _ := repo.CreateThreadWithSystemMessage(ctx, agent, models.ThreadTypeChat, "")
	run, _ := repo.CreateRun(ctx, agent.ID, thread.ID, models.TriggerManual)
	trigger := &models.Trigger{AgentID: agent.ID, Type: models.TriggerTypeWebhook}
	if err := repo.CreateTrigger(ctx, trigger); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	if err := repo.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("failed to delete agent: %v", err)
	}

	if _, err := repo.GetThread(ctx, thread.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected thread cascade, got %v", err)
	}
	if _, err := repo.GetRun(ctx, run.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected run cascade, got %v", err)
	}
	if _, err := repo.GetTrigger(ctx, trigger.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected trigger cascade, got %v", err)
	}
}

func TestTriggerSecretGenerated(t *testing.T) {
	repo := createTestRepo(t)
	agent := createTestAgent(t, repo)
	ctx := context.Background()

	first := &models.Trigger{AgentID: agent.ID, Type: models.TriggerTypeWebhook}
	second := &models.Trigger{AgentID: agent.ID, Type: models.TriggerTypeWebhook}
	if err := repo.CreateTrigger(ctx, first); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}
	if err := repo.CreateTrigger(ctx, second); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	if first.Secret == "" || len(first.Secret) != 64 {
		t.Errorf("expected 32-byte hex secret, got %q", first.Secret)
	}
	if first.Secret == second.Secret {
		t.Error("secrets must be unique")
	}
}

func TestListScheduledAgents(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	schedule := "0 9 * * *"
	scheduled := &models.Agent{OwnerID: "u", Name: "daily", Model: "m", Schedule: &schedule}
	plain := &models.Agent{OwnerID: "u", Name: "plain", Model: "m"}
	if err := repo.CreateAgent(ctx, scheduled); err != nil {
		t.Fatalf("failed to create scheduled agent: %v", err)
	}
	if err := repo.CreateAgent(ctx, plain); err != nil {
		t.Fatalf("failed to create plain agent: %v", err)
	}

	agents, err := repo.ListScheduledAgents(ctx)
	if err != nil {
		t.Fatalf("failed to list scheduled agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != scheduled.ID {
		t.Errorf("expected only the scheduled agent, got %d", len(agents))
	}
}
