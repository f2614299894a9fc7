// Package router exposes the HTTP API: registration and login, uploads,
// the public feed, post deletion and static serving of uploaded files.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	validator "github.com/go-playground/validator/v10"

	"github.com/patric-chuzhbe/gram/internal/auth"
	"github.com/patric-chuzhbe/gram/internal/blobstore"
	"github.com/patric-chuzhbe/gram/internal/gzippedhttp"
	"github.com/patric-chuzhbe/gram/internal/logger"
	"github.com/patric-chuzhbe/gram/internal/models"
	"github.com/patric-chuzhbe/gram/internal/user"
)

// Multipart parts above this size are spooled to temporary files.
const multipartMemory = 8 << 20

const (
	detailUserAlreadyExists   = "REGISTER_USER_ALREADY_EXISTS"
	detailInvalidPassword     = "REGISTER_INVALID_PASSWORD"
	detailLoginBadCredentials = "LOGIN_BAD_CREDENTIALS"
	detailUpdateEmailTaken    = "UPDATE_USER_EMAIL_ALREADY_EXISTS"
	detailUpdateBadPassword   = "UPDATE_USER_INVALID_PASSWORD"
)

type gramService interface {
	Register(ctx context.Context, email, password string) (*user.User, error)
	Login(ctx context.Context, email, password string) (string, error)
	GetUser(ctx context.Context, userID string) (*user.User, error)
	UpdateUser(ctx context.Context, userID string, update models.UpdateUserRequest) (*user.User, error)
	DeleteAccount(ctx context.Context, userID string) error
	CreatePost(ctx context.Context, userID string, input models.NewPostInput, content io.Reader) (*models.Post, error)
	Feed(ctx context.Context) ([]models.Post, error)
	DeletePost(ctx context.Context, userID, rawPostID string) error
	GetInternalStats(ctx context.Context) (models.InternalStatsResponse, error)
	Ping(ctx context.Context) error
}

type blobOpener interface {
	Open(ctx context.Context, name string) (*os.File, error)
}

type authenticator interface {
	AuthenticateUser(h http.Handler) http.Handler
}

type subnetGuard interface {
	TrustedSubnetOnly(h http.Handler) http.Handler
}

type Router struct {
	svc           gramService
	blobs         blobOpener
	validate      *validator.Validate
	maxUploadSize int64
}

// New builds the chi router serving the whole API. Uploaded files are
// served under staticPath.
func New(
	svc gramService,
	blobs blobOpener,
	theAuth authenticator,
	ipChecker subnetGuard,
	staticPath string,
	maxUploadSize int64,
) *chi.Mux {
	myRouter := &Router{
		svc:           svc,
		blobs:         blobs,
		validate:      validator.New(),
		maxUploadSize: maxUploadSize,
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		logger.WithLoggingHTTPMiddleware,
		middleware.Recoverer,
	)
	router.NotFound(func(response http.ResponseWriter, request *http.Request) {
		writeDetail(response, http.StatusNotFound, "Not Found")
	})
	router.MethodNotAllowed(func(response http.ResponseWriter, request *http.Request) {
		writeDetail(response, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	router.With(gzippedhttp.UngzipJSONRequest).Post(`/auth/register`, myRouter.PostAuthregister)
	router.Post(`/auth/login`, myRouter.PostAuthlogin)
	router.Post(`/auth/jwt/login`, myRouter.PostAuthlogin)

	router.With(theAuth.AuthenticateUser).Post(`/upload`, myRouter.PostUpload)
	router.With(gzippedhttp.GzipResponse).Get(`/feed`, myRouter.GetFeed)
	router.With(theAuth.AuthenticateUser).Delete(`/posts/{id}`, myRouter.DeletePostsid)
	router.Get(strings.TrimRight(staticPath, "/")+`/{storedName}`, myRouter.GetStatic)

	router.With(theAuth.AuthenticateUser).Get(`/users/me`, myRouter.GetUsersme)
	router.With(theAuth.AuthenticateUser, gzippedhttp.UngzipJSONRequest).Patch(`/users/me`, myRouter.PatchUsersme)
	router.With(theAuth.AuthenticateUser).Delete(`/users/me`, myRouter.DeleteUsersme)

	router.Get(`/ping`, myRouter.GetPing)
	router.With(ipChecker.TrustedSubnetOnly).Get(`/internal/stats`, myRouter.GetInternalstats)

	return router
}

// PostAuthregister creates an account from a JSON {email, password} body.
func (router *Router) PostAuthregister(response http.ResponseWriter, request *http.Request) {
	var requestDTO models.RegisterRequest
	if err := json.NewDecoder(request.Body).Decode(&requestDTO); err != nil {
		writeDetail(response, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if err := router.validate.Struct(requestDTO); err != nil {
		writeDetail(response, http.StatusBadRequest, validationDetail(err))
		return
	}

	usr, err := router.svc.Register(request.Context(), requestDTO.Email, requestDTO.Password)
	switch {
	case errors.Is(err, models.ErrDuplicateEmail):
		writeDetail(response, http.StatusBadRequest, detailUserAlreadyExists)
		return
	case errors.Is(err, auth.ErrPasswordTooLong):
		writeDetail(response, http.StatusBadRequest, detailInvalidPassword)
		return
	case err != nil:
		writeInternalError(response, "registration failed", err)
		return
	}

	writeJSON(response, http.StatusCreated, toUserResponse(usr))
}

// PostAuthlogin exchanges form-encoded username (the email) and password
// for a bearer token.
func (router *Router) PostAuthlogin(response http.ResponseWriter, request *http.Request) {
	if err := request.ParseForm(); err != nil {
		writeDetail(response, http.StatusBadRequest, "Malformed form body")
		return
	}
	requestDTO := models.LoginRequest{
		Username: request.PostForm.Get("username"),
		Password: request.PostForm.Get("password"),
	}
	if err := router.validate.Struct(requestDTO); err != nil {
		writeDetail(response, http.StatusBadRequest, validationDetail(err))
		return
	}

	token, err := router.svc.Login(request.Context(), requestDTO.Username, requestDTO.Password)
	if errors.Is(err, models.ErrInvalidCredentials) {
		writeDetail(response, http.StatusBadRequest, detailLoginBadCredentials)
		return
	}
	if err != nil {
		writeInternalError(response, "login failed", err)
		return
	}

	writeJSON(response, http.StatusOK, models.LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
	})
}

// PostUpload stores the multipart "file" part as a new post with the
// optional "caption" field.
func (router *Router) PostUpload(response http.ResponseWriter, request *http.Request) {
	userID, ok := auth.UserIDFromContext(request.Context())
	if !ok {
		writeDetail(response, http.StatusUnauthorized, "Unauthorized")
		return
	}

	request.Body = http.MaxBytesReader(response, request.Body, router.maxUploadSize)
	if err := request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeDetail(response, http.StatusRequestEntityTooLarge, "Upload is too large")
			return
		}
		writeDetail(response, http.StatusBadRequest, "Malformed multipart body")
		return
	}
	defer func() {
		_ = request.MultipartForm.RemoveAll()
	}()

	file, header, err := request.FormFile("file")
	if err != nil {
		writeDetail(response, http.StatusBadRequest, "Field 'file' is required")
		return
	}
	defer file.Close()

	var caption *string
	if values, present := request.MultipartForm.Value["caption"]; present && len(values) > 0 {
		caption = &values[0]
	}

	post, err := router.svc.CreatePost(
		request.Context(),
		userID,
		models.NewPostInput{
			OriginalFileName: header.Filename,
			ContentType:      header.Header.Get("Content-Type"),
			Caption:          caption,
		},
		file,
	)
	if err != nil {
		writeInternalError(response, "upload failed", err, "user_id", userID)
		return
	}

	writeJSON(response, http.StatusOK, post.ToResponse())
}

// GetFeed lists every post, newest first.
func (router *Router) GetFeed(response http.ResponseWriter, request *http.Request) {
	posts, err := router.svc.Feed(request.Context())
	if err != nil {
		writeInternalError(response, "feed listing failed", err)
		return
	}

	responseDTO := models.FeedResponse{Posts: make([]models.PostResponse, 0, len(posts))}
	for i := range posts {
		responseDTO.Posts = append(responseDTO.Posts, posts[i].ToResponse())
	}

	writeJSON(response, http.StatusOK, responseDTO)
}

// DeletePostsid deletes a post of the authenticated user.
func (router *Router) DeletePostsid(response http.ResponseWriter, request *http.Request) {
	userID, ok := auth.UserIDFromContext(request.Context())
	if !ok {
		writeDetail(response, http.StatusUnauthorized, "Unauthorized")
		return
	}

	err := router.svc.DeletePost(request.Context(), userID, chi.URLParam(request, "id"))
	switch {
	case err == nil:
		writeJSON(response, http.StatusOK, models.DeletePostResponse{
			Status:  "success",
			Message: "Post deleted",
		})
	case errors.Is(err, models.ErrInvalidPostID):
		writeDetail(response, http.StatusBadRequest, "Invalid post id format")
	case errors.Is(err, models.ErrPostNotFound):
		writeDetail(response, http.StatusNotFound, "Post not found")
	case errors.Is(err, models.ErrForbidden):
		writeDetail(response, http.StatusForbidden, "You are not allowed to delete this post")
	default:
		writeInternalError(response, "post deletion failed", err, "user_id", userID)
	}
}

// GetStatic serves the raw bytes of an uploaded file.
func (router *Router) GetStatic(response http.ResponseWriter, request *http.Request) {
	storedName := chi.URLParam(request, "storedName")
	file, err := router.blobs.Open(request.Context(), storedName)
	if errors.Is(err, models.ErrBlobNotFound) || errors.Is(err, blobstore.ErrInvalidName) {
		writeDetail(response, http.StatusNotFound, "Not Found")
		return
	}
	if err != nil {
		writeInternalError(response, "opening blob failed", err, "stored_name", storedName)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		writeInternalError(response, "stat of blob failed", err, "stored_name", storedName)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(storedName))
	if contentType == "" {
		detected, err := mimetype.DetectReader(file)
		if err != nil {
			writeInternalError(response, "content type detection failed", err, "stored_name", storedName)
			return
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			writeInternalError(response, "rewinding blob failed", err, "stored_name", storedName)
			return
		}
		contentType = detected.String()
	}

	response.Header().Set("Content-Type", contentType)
	response.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(response, request, storedName, info.ModTime(), file)
}

// GetUsersme returns the authenticated user.
func (router *Router) GetUsersme(response http.ResponseWriter, request *http.Request) {
	userID, _ := auth.UserIDFromContext(request.Context())

	usr, err := router.svc.GetUser(request.Context(), userID)
	if err != nil {
		writeInternalError(response, "user lookup failed", err, "user_id", userID)
		return
	}
	if usr == nil {
		writeDetail(response, http.StatusUnauthorized, "Unauthorized")
		return
	}

	writeJSON(response, http.StatusOK, toUserResponse(usr))
}

// PatchUsersme updates the email and/or password of the authenticated user.
func (router *Router) PatchUsersme(response http.ResponseWriter, request *http.Request) {
	userID, _ := auth.UserIDFromContext(request.Context())

	var requestDTO models.UpdateUserRequest
	if err := json.NewDecoder(request.Body).Decode(&requestDTO); err != nil {
		writeDetail(response, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if err := router.validate.Struct(requestDTO); err != nil {
		writeDetail(response, http.StatusBadRequest, validationDetail(err))
		return
	}

	usr, err := router.svc.UpdateUser(request.Context(), userID, requestDTO)
	switch {
	case errors.Is(err, models.ErrUserNotFound):
		writeDetail(response, http.StatusUnauthorized, "Unauthorized")
		return
	case errors.Is(err, models.ErrDuplicateEmail):
		writeDetail(response, http.StatusBadRequest, detailUpdateEmailTaken)
		return
	case errors.Is(err, auth.ErrPasswordTooLong):
		writeDetail(response, http.StatusBadRequest, detailUpdateBadPassword)
		return
	case err != nil:
		writeInternalError(response, "user update failed", err, "user_id", userID)
		return
	}

	writeJSON(response, http.StatusOK, toUserResponse(usr))
}

// DeleteUsersme removes the authenticated user together with their posts.
func (router *Router) DeleteUsersme(response http.ResponseWriter, request *http.Request) {
	userID, _ := auth.UserIDFromContext(request.Context())

	err := router.svc.DeleteAccount(request.Context(), userID)
	if errors.Is(err, models.ErrUserNotFound) {
		writeDetail(response, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeInternalError(response, "account deletion failed", err, "user_id", userID)
		return
	}

	writeJSON(response, http.StatusOK, models.DeletePostResponse{
		Status:  "success",
		Message: "Account deleted",
	})
}

// GetPing reports whether the storage is reachable.
func (router *Router) GetPing(response http.ResponseWriter, request *http.Request) {
	if err := router.svc.Ping(request.Context()); err != nil {
		writeInternalError(response, "storage ping failed", err)
		return
	}

	response.WriteHeader(http.StatusOK)
}

// GetInternalstats returns user and post counters to trusted clients.
func (router *Router) GetInternalstats(response http.ResponseWriter, request *http.Request) {
	stats, err := router.svc.GetInternalStats(request.Context())
	if err != nil {
		writeInternalError(response, "stats collection failed", err)
		return
	}

	writeJSON(response, http.StatusOK, stats)
}

func toUserResponse(usr *user.User) models.UserResponse {
	return models.UserResponse{
		ID:       usr.ID,
		Email:    usr.Email,
		IsActive: usr.IsActive,
	}
}

func writeJSON(response http.ResponseWriter, status int, payload any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	if err := json.NewEncoder(response).Encode(payload); err != nil {
		logger.Error("response encoding failed", err)
	}
}

func writeDetail(response http.ResponseWriter, status int, detail string) {
	writeJSON(response, status, models.ErrorResponse{Detail: detail})
}

// writeInternalError logs err and answers with a generic 500.
func writeInternalError(response http.ResponseWriter, msg string, err error, keysAndValues ...interface{}) {
	logger.Error(msg, err, keysAndValues...)
	writeDetail(response, http.StatusInternalServerError, "Internal Server Error")
}

func validationDetail(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return "Invalid request"
	}

	parts := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		parts = append(parts, strings.ToLower(fieldErr.Field())+": failed on '"+fieldErr.Tag()+"'")
	}

	return strings.Join(parts, "; ")
}
