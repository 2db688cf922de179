package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"exam-session-service/internal/app"
	"exam-session-service/internal/domain"
	pgstorage "exam-session-service/internal/infra/postgres"
	pgmigrations "exam-session-service/internal/infra/postgres/migrations"
	redisstorage "exam-session-service/internal/infra/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

type okGrading struct{ calls int }

func (g *okGrading) StartAttempt(context.Context, string, string) (domain.AttemptGrant, error) {
	return domain.AttemptGrant{DurationSeconds: 600}, nil
}

func (g *okGrading) Submit(_ context.Context, payload domain.SubmissionPayload) (domain.SubmissionSummary, error) {
	g.calls++
	return domain.SubmissionSummary{ExamID: payload.ExamID}, nil
}

func TestExamLifecycleOnRedis(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	redisURL, cleanup := startRedis(t, ctx)
	defer cleanup()
	client, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	runExamLifecycle(t, ctx, redisstorage.NewStorage(client, "it:"))
}

func TestExamLifecycleOnPostgres(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, cleanup := startPostgres(t, ctx)
	defer cleanup()
	applyMigrations(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	runExamLifecycle(t, ctx, pgstorage.NewStorage(pool))
}

// runExamLifecycle drives two instances over one shared storage through
// begin, answers in both, cross-instance sync and a confirmed submit.
func runExamLifecycle(t *testing.T, ctx context.Context, store app.Storage) {
	t.Helper()
	grading := &okGrading{}

	tabA := app.NewSessionTimer(store)
	defer tabA.Close()
	tabB := app.NewSessionTimer(store)
	defer tabB.Close()
	for _, tab := range []*app.SessionTimer{tabA, tabB} {
		if err := tab.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	draftsA := app.NewDraftStore(store)
	draftsB := app.NewDraftStore(store)

	if _, err := app.NewAttempts(tabA, grading).Begin(ctx, "exam1", "asg-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	waitFor(t, "second instance to see the session", func() bool { return tabB.ActiveExamID() == "exam1" })
	if got := tabB.RemainingSeconds(); got < 595 || got > 600 {
		t.Fatalf("expected remaining in [595,600], got %d", got)
	}

	if err := draftsA.MergeModule(ctx, "exam1", domain.ModuleReading, domain.Answers{"qA": "x"}); err != nil {
		t.Fatalf("merge reading: %v", err)
	}
	if err := draftsB.MergeModule(ctx, "exam1", domain.ModuleAudio, domain.Answers{"q1": "richtig"}); err != nil {
		t.Fatalf("merge audio: %v", err)
	}
	bundle, err := draftsA.Load(ctx, "exam1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if bundle.Modules[domain.ModuleReading]["qA"] != "x" || bundle.Modules[domain.ModuleAudio]["q1"] != "richtig" {
		t.Fatalf("expected both modules, got %+v", bundle.Modules)
	}

	gate := app.NewSubmissionGate(tabB, draftsB, grading)
	if _, err := gate.Submit(ctx, "exam1", app.ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if grading.calls != 1 {
		t.Fatalf("expected one grading call, got %d", grading.calls)
	}
	waitFor(t, "first instance to see the session end", func() bool { return !tabA.State().Active() })
	bundle, _ = draftsA.Load(ctx, "exam1")
	if !bundle.IsEmpty() {
		t.Fatalf("expected drafts cleared, got %+v", bundle.Modules)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "exam", "POSTGRES_PASSWORD": "exampass", "POSTGRES_DB": "examdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://exam:exampass@%s:%s/examdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func applyMigrations(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
