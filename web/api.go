package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"

	"syncml/models"
	"syncml/state"
)

// APIResponse provides a consistent JSON response structure for all API
// endpoints. Success responses include data, error responses include an
// error message.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeSuccess(ctx rweb.Context, status int, data interface{}) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: true, Data: data})
}

func writeError(ctx rweb.Context, status int, message string) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: false, Error: message})
}

// LoginInput is the POST /api/v1/auth/login request body
type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates a registered peer's credentials and returns a
// bearer token for the admin API.
func Login(ctx rweb.Context) error {
	var input LoginInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if input.Username == "" || input.Password == "" {
		return writeError(ctx, http.StatusBadRequest, "username and password are required")
	}

	peer, err := models.VerifyPeerCredentials(input.Username, input.Password)
	if err != nil {
		return writeError(ctx, http.StatusUnauthorized, "invalid credentials")
	}

	token, err := models.GenerateToken(peer)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to generate token"), "dev_id", peer.DevID)
		return writeError(ctx, http.StatusInternalServerError, "failed to generate token")
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"token":  token,
		"dev_id": peer.DevID,
		"name":   peer.Name,
	})
}

// PeerOutput is the JSON shape of a peer adapter
type PeerOutput struct {
	ID             int64         `json:"id"`
	DevID          string        `json:"dev_id"`
	Name           string        `json:"name"`
	URL            string        `json:"url,omitempty"`
	LastSessionID  string        `json:"last_session_id,omitempty"`
	ConflictPolicy string        `json:"conflict_policy"`
	Stores         []StoreOutput `json:"stores,omitempty"`
}

// StoreOutput is the JSON shape of a peer store and its binding
type StoreOutput struct {
	URI          string `json:"uri"`
	DisplayName  string `json:"display_name,omitempty"`
	BoundTo      string `json:"bound_to,omitempty"`
	AutoMapped   bool   `json:"auto_mapped,omitempty"`
	SourceAnchor string `json:"source_anchor,omitempty"`
	TargetAnchor string `json:"target_anchor,omitempty"`
}

func peerToOutput(peer *models.Adapter, withStores bool) (*PeerOutput, error) {
	out := &PeerOutput{
		ID:             peer.ID,
		DevID:          peer.DevID,
		Name:           peer.Name,
		URL:            peer.URL.String,
		LastSessionID:  peer.LastSessionID.String,
		ConflictPolicy: peer.ConflictPolicy.String(),
	}
	if !withStores {
		return out, nil
	}
	stores, err := models.GetStores(peer.ID)
	if err != nil {
		return nil, err
	}
	for _, store := range stores {
		so := StoreOutput{URI: store.URI, DisplayName: store.DisplayName}
		binding, err := models.GetBinding(store.ID)
		if err != nil {
			return nil, err
		}
		if binding != nil {
			so.BoundTo = binding.URI
			so.AutoMapped = binding.AutoMapped
			so.SourceAnchor = binding.SourceAnchor.String
			so.TargetAnchor = binding.TargetAnchor.String
		}
		out.Stores = append(out.Stores, so)
	}
	return out, nil
}

// ListPeers handles GET /api/v1/peers
func ListPeers(ctx rweb.Context) error {
	peers, err := models.GetKnownPeers()
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to list peers"), "database error")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	out := make([]*PeerOutput, 0, len(peers))
	for _, peer := range peers {
		po, err := peerToOutput(peer, true)
		if err != nil {
			logger.LogErr(serr.Wrap(err, "failed to describe peer"), "dev_id", peer.DevID)
			return writeError(ctx, http.StatusInternalServerError, "database error")
		}
		out = append(out, po)
	}
	return writeSuccess(ctx, http.StatusOK, out)
}

func peerFromParam(ctx rweb.Context) (*models.Adapter, error) {
	idStr := ctx.Request().Param("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, state.NotFoundf("invalid peer id %q", idStr)
	}
	return models.GetAdapterByID(id)
}

// GetPeer handles GET /api/v1/peers/:id
func GetPeer(ctx rweb.Context) error {
	peer, err := peerFromParam(ctx)
	if state.IsNotFound(err) {
		return writeError(ctx, http.StatusNotFound, "peer not found")
	}
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to get peer"), "database error")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	out, err := peerToOutput(peer, true)
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	return writeSuccess(ctx, http.StatusOK, out)
}

// PolicyInput is the PUT /api/v1/peers/:id/policy request body
type PolicyInput struct {
	Policy string `json:"policy"`
}

// SetPeerPolicy handles PUT /api/v1/peers/:id/policy
func SetPeerPolicy(ctx rweb.Context) error {
	peer, err := peerFromParam(ctx)
	if state.IsNotFound(err) {
		return writeError(ctx, http.StatusNotFound, "peer not found")
	}
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	var input PolicyInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	policy, ok := state.ParseConflictPolicy(input.Policy)
	if !ok {
		return writeError(ctx, http.StatusBadRequest, "unknown conflict policy: "+input.Policy)
	}
	if err := models.SetConflictPolicy(peer.ID, policy); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to set conflict policy"), "dev_id", peer.DevID)
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	logger.Info("conflict policy updated", "dev_id", peer.DevID, "policy", policy.String())
	return writeSuccess(ctx, http.StatusOK, map[string]string{"policy": policy.String()})
}

// CredentialsInput is the PUT /api/v1/peers/:id/credentials request body
type CredentialsInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SetPeerCredentials handles PUT /api/v1/peers/:id/credentials
func SetPeerCredentials(ctx rweb.Context) error {
	peer, err := peerFromParam(ctx)
	if state.IsNotFound(err) {
		return writeError(ctx, http.StatusNotFound, "peer not found")
	}
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	var input CredentialsInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if input.Username == "" || input.Password == "" {
		return writeError(ctx, http.StatusBadRequest, "username and password are required")
	}
	if err := models.SetPeerCredentials(peer.ID, input.Username, input.Password); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to set credentials"), "dev_id", peer.DevID)
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	return writeSuccess(ctx, http.StatusOK, map[string]string{"username": input.Username})
}

// DeletePeer handles DELETE /api/v1/peers/:id
func DeletePeer(ctx rweb.Context) error {
	peer, err := peerFromParam(ctx)
	if state.IsNotFound(err) {
		return writeError(ctx, http.StatusNotFound, "peer not found")
	}
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if peer.IsLocal {
		return writeError(ctx, http.StatusBadRequest, "cannot delete the local adapter")
	}
	if err := models.DeleteAdapter(peer.ID); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to delete peer"), "dev_id", peer.DevID)
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	logger.Info("peer deleted", "dev_id", peer.DevID)
	return writeSuccess(ctx, http.StatusOK, map[string]string{"dev_id": peer.DevID})
}

// NoteInput is the create/update request body for notes
type NoteInput struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// NoteOutput is the JSON shape of a note
type NoteOutput struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

func noteToOutput(n *models.Note) NoteOutput {
	return NoteOutput{ID: n.ID, Name: n.Name, Body: n.Body}
}

// noteStoreURI is the local datastore notes belong to; mutations made
// through the API register changes against it so peers pick them up on
// their next sync.
const noteStoreURI = "./notes"

// ListNotes handles GET /api/v1/notes
func ListNotes(ctx rweb.Context) error {
	notes, err := models.ListNotes()
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to list notes"), "database error")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	out := make([]NoteOutput, 0, len(notes))
	for _, n := range notes {
		out = append(out, noteToOutput(n))
	}
	return writeSuccess(ctx, http.StatusOK, out)
}

// GetNote handles GET /api/v1/notes/:id
func GetNote(ctx rweb.Context) error {
	id, err := strconv.ParseInt(ctx.Request().Param("id"), 10, 64)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid note id")
	}
	note, err := models.GetNote(id)
	if state.IsNotFound(err) {
		return writeError(ctx, http.StatusNotFound, "note not found")
	}
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	return writeSuccess(ctx, http.StatusOK, noteToOutput(note))
}

// CreateNote handles POST /api/v1/notes
func CreateNote(ctx rweb.Context) error {
	var input NoteInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if input.Name == "" {
		return writeError(ctx, http.StatusBadRequest, "name is required")
	}

	note := &models.Note{Name: input.Name, Body: input.Body}
	if err := models.CreateNote(note); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to create note"), "database error")
		return writeError(ctx, http.StatusInternalServerError, "failed to create note")
	}
	itemID := strconv.FormatInt(note.ID, 10)
	if err := models.RegisterChange(noteStoreURI, itemID, state.ItemAdded, nil, 0); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to register change"), "note_id", itemID)
	}

	logger.Info("note created", "id", itemID, "name", note.Name)
	return writeSuccess(ctx, http.StatusCreated, noteToOutput(note))
}

// UpdateNote handles PUT /api/v1/notes/:id
func UpdateNote(ctx rweb.Context) error {
	idStr := ctx.Request().Param("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid note id")
	}

	var input NoteInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}

	note, err := models.GetNote(id)
	if state.IsNotFound(err) {
		return writeError(ctx, http.StatusNotFound, "note not found")
	}
	if err != nil {
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	note.Name = input.Name
	note.Body = input.Body
	if err := models.UpdateNote(note); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to update note"), "note_id", idStr)
		return writeError(ctx, http.StatusInternalServerError, "failed to update note")
	}
	if err := models.RegisterChange(noteStoreURI, idStr, state.ItemModified, nil, 0); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to register change"), "note_id", idStr)
	}
	return writeSuccess(ctx, http.StatusOK, noteToOutput(note))
}

// DeleteNote handles DELETE /api/v1/notes/:id
func DeleteNote(ctx rweb.Context) error {
	idStr := ctx.Request().Param("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid note id")
	}
	if _, err := models.GetNote(id); state.IsNotFound(err) {
		return writeError(ctx, http.StatusNotFound, "note not found")
	}
	if err := models.DeleteNote(id); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to delete note"), "note_id", idStr)
		return writeError(ctx, http.StatusInternalServerError, "failed to delete note")
	}
	if err := models.RegisterChange(noteStoreURI, idStr, state.ItemDeleted, nil, 0); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to register change"), "note_id", idStr)
	}
	return writeSuccess(ctx, http.StatusOK, map[string]string{"id": idStr})
}
