package repository

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/hitoshi/ghnotify/internal/database"
	"github.com/hitoshi/ghnotify/internal/model"
)

// NewPostgresSubscriberRepoが正しく初期化されることを検証
func TestNewPostgresSubscriberRepo_Initializes(t *testing.T) {
	repo := NewPostgresSubscriberRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// setupPostgresRepo はTEST_DATABASE_URLのPostgreSQLでリポジトリを生成する。
// 未設定または接続できない場合はスキップする。
func setupPostgresRepo(t *testing.T) *PostgresSubscriberRepo {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}
	db, err := database.Open("postgres", url)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := database.RunMigrations(db, "postgres"); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM subscribers`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	return NewPostgresSubscriberRepo(db)
}

func TestPostgresSubscriberRepo_Lifecycle(t *testing.T) {
	repo := setupPostgresRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleSubscriber("U1"))
	if err != nil || !created {
		t.Fatalf("Create = (%v, %v), want (true, nil)", created, err)
	}
	created, err = repo.Create(ctx, sampleSubscriber("U1"))
	if err != nil || created {
		t.Fatalf("second Create = (%v, %v), want (false, nil)", created, err)
	}

	sub, err := repo.FindByID(ctx, "U1")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if err := repo.SaveAll(ctx, []*model.Subscriber{sub.WithSnapshot([]model.Item{{ID: "1"}})}); err != nil {
		t.Fatalf("SaveAll returned error: %v", err)
	}

	if err := repo.SaveConfig(ctx, "U1", model.SubscriberConfig{Frequency: ptrFloat(5)}); err != nil {
		t.Fatalf("SaveConfig returned error: %v", err)
	}
	if err := repo.SaveConfig(ctx, "U404", model.SubscriberConfig{}); !errors.Is(err, model.ErrSubscriberNotFound) {
		t.Errorf("SaveConfig(missing) err = %v, want ErrSubscriberNotFound", err)
	}

	subs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(subs) != 1 || len(subs[0].LastSnapshot) != 1 {
		t.Fatalf("List = %+v", subs)
	}
	if subs[0].Config.Frequency == nil || *subs[0].Config.Frequency != 5 {
		t.Errorf("Frequency = %v, want 5", subs[0].Config.Frequency)
	}

	if err := repo.Delete(ctx, "U1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := repo.Delete(ctx, "U1"); err != nil {
		t.Fatalf("second Delete returned error: %v", err)
	}
	if _, err := repo.FindByID(ctx, "U1"); !errors.Is(err, model.ErrSubscriberNotFound) {
		t.Errorf("err = %v, want ErrSubscriberNotFound", err)
	}
}
