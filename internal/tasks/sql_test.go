package tasks

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("create mock db: %v", err)
	}
	store, err := NewSQLStoreWithDB(db, "sqlite", nil, nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return db, mock, store
}

func TestSQLStoreCreateTask(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			"task-1",
			"browseWebAndReturnText",
			`{"instructions":"go"}`,
			"QUEUED",
			5,
			"MULTI_STEP",
			false,
			0,
			sqlmock.AnyArg(), // created_at
			sqlmock.AnyArg(), // result_summary
			sqlmock.AnyArg(), // error_kind
			false,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.CreateTask(context.Background(), &Task{
		ID:            "task-1",
		ToolName:      "browseWebAndReturnText",
		Arguments:     []byte(`{"instructions":"go"}`),
		MaxSteps:      5,
		ExecutionMode: ModeMultiStep,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreCreateTaskDuplicate(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO tasks").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: tasks.id"))

	err := store.CreateTask(context.Background(), &Task{
		ID:            "task-1",
		ToolName:      "x",
		MaxSteps:      1,
		ExecutionMode: ModeOneShot,
	})
	if !errors.Is(err, ErrTaskExists) {
		t.Fatalf("err = %v, want ErrTaskExists", err)
	}
}

func taskRows(id, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tool_name", "arguments", "status", "max_steps", "execution_mode",
		"allow_early_completion", "current_step", "created_at", "started_at",
		"ended_at", "result_summary", "error_kind", "early_completion",
	}).AddRow(
		id, "browseWebAndReturnText", nil, status, 5, "MULTI_STEP",
		false, 0, time.Now(), nil, nil, nil, nil, false,
	)
}

func TestSQLStoreTransitionSuccess(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("UPDATE tasks SET status = \\?, started_at = \\? WHERE id = \\? AND status = \\?").
		WithArgs("RUNNING", sqlmock.AnyArg(), "task-1", "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\?").
		WithArgs("task-1").
		WillReturnRows(taskRows("task-1", "RUNNING"))

	task, err := store.Transition(context.Background(), "task-1", StatusQueued, StatusRunning, TransitionFields{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if task.Status != StatusRunning {
		t.Fatalf("status = %s", task.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreTransitionLostRace(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("UPDATE tasks SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM tasks WHERE id = \\?").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("CANCELLED"))

	_, err := store.Transition(context.Background(), "task-1", StatusRunning, StatusCompleted, TransitionFields{})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestSQLStoreTransitionMissingTask(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("UPDATE tasks SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM tasks WHERE id = \\?").
		WithArgs("task-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Transition(context.Background(), "task-missing", StatusQueued, StatusRunning, TransitionFields{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLStoreTransitionRejectsBadEdge(t *testing.T) {
	db, _, store := setupMockStore(t)
	defer db.Close()

	_, err := store.Transition(context.Background(), "task-1", StatusCompleted, StatusRunning, TransitionFields{})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition without touching the db", err)
	}
}

func TestSQLStoreRecordStep(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_steps, current_step FROM tasks WHERE id = \\?").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"max_steps", "current_step"}).AddRow(5, 0))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM task_steps").
		WithArgs("task-1", "RUNNING").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO task_steps").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE tasks SET current_step = \\?").
		WithArgs(1, "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RecordStep(context.Background(), &StepRecord{
		TaskID:      "task-1",
		StepNumber:  1,
		Status:      StepRunning,
		Description: "navigate to example.com",
	})
	if err != nil {
		t.Fatalf("record step: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreRecordStepOutOfSequence(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_steps, current_step FROM tasks WHERE id = \\?").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"max_steps", "current_step"}).AddRow(5, 2))
	mock.ExpectRollback()

	err := store.RecordStep(context.Background(), &StepRecord{
		TaskID: "task-1", StepNumber: 5, Status: StepPending, Description: "gap",
	})
	if !errors.Is(err, ErrStepSequence) {
		t.Fatalf("err = %v, want ErrStepSequence", err)
	}
}

func TestSQLStoreRecordStepSecondRunning(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_steps, current_step FROM tasks WHERE id = \\?").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"max_steps", "current_step"}).AddRow(5, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM task_steps").
		WithArgs("task-1", "RUNNING").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := store.RecordStep(context.Background(), &StepRecord{
		TaskID: "task-1", StepNumber: 2, Status: StepRunning, Description: "click",
	})
	if !errors.Is(err, ErrStepRunning) {
		t.Fatalf("err = %v, want ErrStepRunning", err)
	}
}

func TestSQLStoreUpdateStepPreservesUnsetFields(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	started := time.Now().Add(-time.Second)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, started_at, ended_at, confidence").
		WithArgs("task-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{
			"status", "started_at", "ended_at", "confidence", "result_text", "page_url", "page_title",
		}).AddRow("RUNNING", started, nil, 0.0, "kept", "https://example.com", "Example"))
	mock.ExpectExec("UPDATE task_steps SET").
		WithArgs(
			"COMPLETED",
			sqlmock.AnyArg(), // started_at preserved
			sqlmock.AnyArg(), // ended_at stamped
			1.0,
			"kept",
			"https://example.com",
			"Example",
			sqlmock.AnyArg(), // error_kind
			sqlmock.AnyArg(), // error_message
			"task-1",
			1,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	conf := 1.0
	err := store.UpdateStep(context.Background(), "task-1", 1, StepUpdate{Status: StepCompleted, Confidence: &conf})
	if err != nil {
		t.Fatalf("update step: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreUpdateStepMissing(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, started_at, ended_at, confidence").
		WithArgs("task-1", 9).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.UpdateStep(context.Background(), "task-1", 9, StepUpdate{Status: StepCompleted})
	if !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("err = %v, want ErrStepNotFound", err)
	}
}

func TestSQLStoreAttachArtifact(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT 1 FROM tasks WHERE id = \\?").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("INSERT INTO task_artifacts").
		WillReturnResult(sqlmock.NewResult(1, 1))

	step := 2
	err := store.AttachArtifact(context.Background(), &Artifact{
		TaskID:     "task-1",
		StepNumber: &step,
		Kind:       ArtifactScreenshot,
		ContentRef: "/data/screenshots/example_20260825_1200.png",
	})
	if err != nil {
		t.Fatalf("attach artifact: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreListFilterAndLimit(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE 1=1 AND status = \\? ORDER BY created_at DESC, id DESC LIMIT \\?").
		WithArgs("RUNNING", 10).
		WillReturnRows(taskRows("task-1", "RUNNING"))

	running := StatusRunning
	out, err := store.List(context.Background(), ListOptions{Status: &running, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 || out[0].Status != StatusRunning {
		t.Fatalf("out = %+v", out)
	}
}

func TestSQLStorePruneCascades(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM task_steps WHERE task_id IN").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM task_artifacts WHERE task_id IN").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM tasks WHERE").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	count, err := store.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreHasArtifactRef(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM task_artifacts").
		WithArgs("SCREENSHOT", "page.png", "%/page.png").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := store.HasArtifactRef(context.Background(), "page.png")
	if err != nil || !ok {
		t.Fatalf("ref = %v, %v, want true", ok, err)
	}
}

func TestRebindForPostgres(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	got := pg.rebind("UPDATE tasks SET status = ? WHERE id = ? AND status = ?")
	want := "UPDATE tasks SET status = $1 WHERE id = $2 AND status = $3"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}

	lite := &SQLStore{driver: "sqlite"}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Fatalf("sqlite rebind mutated query: %q", got)
	}
}
