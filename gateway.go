package chitchat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/anondevechat/anonymous-chitchat/attachment"
	"github.com/anondevechat/anonymous-chitchat/auth"
	"github.com/anondevechat/anonymous-chitchat/config"
	"github.com/anondevechat/anonymous-chitchat/contract"
	"github.com/anondevechat/anonymous-chitchat/directory"
	"github.com/anondevechat/anonymous-chitchat/log"
	"github.com/anondevechat/anonymous-chitchat/presence"
	"github.com/anondevechat/anonymous-chitchat/session"
	"github.com/anondevechat/anonymous-chitchat/store"
)

const gcloudFuncSourceDir = "serverless_function_source_code"

func init() {
	functions.HTTP("Chat", Chat)
	fixDir()
}

// in GCP Functions, source code is placed in a directory named "serverless_function_source_code"
// need to change the dir to get access to bundled files
func fixDir() {
	fileInfo, err := os.Stat(gcloudFuncSourceDir)
	if err == nil && fileInfo.IsDir() {
		_ = os.Chdir(gcloudFuncSourceDir)
	}
}

// Chat is the single HTTP entrypoint. The last path segment selects
// the operation: send, start, end, friend-request (POST) and stream
// (GET, server-sent events).
func Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	token, err := auth.Authenticate(r)
	if err != nil {
		logger.Error("error while authenticating", slog.String(log.ErrorMsgField, err.Error()))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	logger = logger.With(slog.String(log.UserIDField, token.UID))
	ctx = log.WithLogger(ctx, logger)
	r = r.WithContext(ctx)

	cfg := config.Load()
	st, err := store.New(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("error while creating store client", slog.String(log.ErrorMsgField, err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer st.Close()

	op := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	switch {
	case r.Method == http.MethodPost && op == "send":
		handleSend(w, r, st, token.UID)
	case r.Method == http.MethodPost && op == "start":
		handleStart(w, r, st, token.UID)
	case r.Method == http.MethodPost && op == "end":
		handleEnd(w, r, st, token.UID)
	case r.Method == http.MethodPost && op == "friend-request":
		handleFriendRequest(w, r, st, token.UID)
	case r.Method == http.MethodGet && op == "stream":
		handleStream(w, r, st, token.UID)
	default:
		logger.Error("unknown operation: " + r.Method + " " + r.URL.Path)
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func handleSend(w http.ResponseWriter, r *http.Request, st *store.Client, userID string) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	var req contract.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	logger = logger.With(slog.String(log.ChatIDField, req.ChatID))
	ctx = log.WithLogger(ctx, logger)

	var ref *attachment.Ref
	if req.AttachmentKind != "" {
		kind := attachment.Kind(req.AttachmentKind)
		if kind != attachment.KindImage && kind != attachment.KindVoice {
			writeError(w, logger, attachment.ErrUnsupported)
			return
		}
		ref = &attachment.Ref{Kind: kind, URL: req.AttachmentURL}
	}

	sess := session.New(st, userID)
	msgID, err := sess.SendWithRef(ctx, req.ChatID, req.Content, ref)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	respond(w, logger, contract.SendMessageResponse{MessageID: msgID})
}

func handleStart(w http.ResponseWriter, r *http.Request, st *store.Client, userID string) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	var req contract.StartChatRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Nickname) == "" {
		logger.Error("empty nickname")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	logger = logger.With(slog.String(log.NicknameField, req.Nickname))
	ctx = log.WithLogger(ctx, logger)

	dir := directory.New(st, userID)
	chatID, err := dir.StartNewChat(ctx, req.Nickname)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	respond(w, logger, contract.StartChatResponse{ChatID: chatID})
}

func handleEnd(w http.ResponseWriter, r *http.Request, st *store.Client, userID string) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	var req contract.EndChatRequest
	if !decode(w, r, &req) {
		return
	}
	dir := directory.New(st, userID)
	if err := dir.EndChat(ctx, req.ChatID, userID); err != nil {
		writeError(w, logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleFriendRequest(w http.ResponseWriter, r *http.Request, st *store.Client, userID string) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	var req contract.FriendRequestRequest
	if !decode(w, r, &req) {
		return
	}
	dir := directory.New(st, userID)
	if err := dir.SendFriendRequest(ctx, req.ChatID); err != nil {
		writeError(w, logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleStream(w http.ResponseWriter, r *http.Request, st *store.Client, userID string) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		logger.Error("missing chat_id")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	logger = logger.With(slog.String(log.ChatIDField, chatID))
	ctx = log.WithLogger(ctx, logger)

	// set SSE headers for streaming
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming unsupported!")
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	sess := session.New(st, userID)
	updates := sess.Subscribe(ctx, chatID)
	defer sess.Unsubscribe()

	writeEvent := setupEventWriter(w, flusher)
	seen := map[string]bool{}
	for update := range updates {
		for _, event := range eventsFor(update, seen) {
			event.ChatID = chatID
			if err := writeEvent(event); err != nil {
				logger.Error("error while writing event", slog.String(log.ErrorMsgField, err.Error()))
				return
			}
		}
		if update.Ended {
			logger.Info("chat ended, closing stream")
			return
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	logger := log.LoggerFromContext(r.Context())
	data, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("error while reading request body", slog.String(log.ErrorMsgField, err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		logger.Error("error while decoding request", slog.String(log.ErrorMsgField, err.Error()))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("error while encoding response", slog.String(log.ErrorMsgField, err.Error()))
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("operation failed", slog.String(log.ErrorMsgField, err.Error()))

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, attachment.ErrUnsupported):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrChatEnded):
		status = http.StatusGone
	case errors.Is(err, store.ErrChatNotFound):
		status = http.StatusNotFound
	case errors.Is(err, directory.ErrMatchmaking):
		status = http.StatusConflict
	case errors.Is(err, presence.ErrOffline):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(contract.ErrorResponse{Error: err.Error()})
}
