// archive copies ended chats out of Firestore into postgresql so the
// live collections stay small. Chats are archived whole: the chat row
// first, then every message, in one transaction per chat. Re-running
// is safe, already-archived chats are skipped via ON CONFLICT.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anondevechat/anonymous-chitchat/store"
)

const dbDriver = "postgres"

var schema = `
CREATE TABLE IF NOT EXISTS archived_chat (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	participants TEXT[] NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_message_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS archived_message (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES archived_chat(id),
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	attachment_kind TEXT,
	attachment_url TEXT
);`

func main() {
	ctx := context.Background()
	dsnPtr := flag.String("dsn", os.Getenv("ARCHIVE_DSN"), "postgres connection string")
	projectPtr := flag.String("project", os.Getenv("GOOGLE_CLOUD_PROJECT"), "GCP project ID")
	flag.Parse()

	if *dsnPtr == "" {
		log.Fatalf("Please provide a postgres DSN via -dsn or ARCHIVE_DSN")
	}

	db, err := sqlx.Connect(dbDriver, *dsnPtr)
	if err != nil {
		log.Fatalf("error connecting to postgres: %v", err)
	}
	defer db.Close()
	db.MustExec(schema)

	st, err := store.New(ctx, *projectPtr)
	if err != nil {
		log.Fatalf("error creating store client: %v", err)
	}
	defer st.Close()

	chats, err := st.EndedChats(ctx)
	if err != nil {
		log.Fatalf("error listing ended chats: %v", err)
	}

	archived := 0
	for _, chat := range chats {
		messages, err := st.Messages(ctx, chat.ID)
		if err != nil {
			log.Fatalf("error loading messages for chat %s: %v", chat.ID, err)
		}

		tx, err := db.Beginx()
		if err != nil {
			log.Fatalf("error starting transaction: %v", err)
		}
		res, err := tx.Exec(
			`INSERT INTO archived_chat (id, name, participants, created_at, last_message_at)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			chat.ID, chat.Name, pq.Array(chat.Participants), chat.CreatedAt, chat.LastMessageTime,
		)
		if err != nil {
			log.Fatalf("error inserting chat %s: %v", chat.ID, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			// already archived on a previous run
			_ = tx.Rollback()
			continue
		}
		for _, msg := range messages {
			var kind, url *string
			if msg.Attachment != nil {
				kind, url = &msg.Attachment.Kind, &msg.Attachment.URL
			}
			if _, err := tx.Exec(
				`INSERT INTO archived_message (id, chat_id, sender, content, created_at, attachment_kind, attachment_url)
				 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
				msg.ID, chat.ID, msg.Sender, msg.Content, msg.CreatedAt, kind, url,
			); err != nil {
				log.Fatalf("error inserting message %s: %v", msg.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			log.Fatalf("error committing chat %s: %v", chat.ID, err)
		}
		archived++
	}

	log.Printf("archived %d of %d ended chats", archived, len(chats))
}
