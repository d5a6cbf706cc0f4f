package main

import (
	"log"
	"os"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"syncml/agent"
	"syncml/models"
	"syncml/state"
	"syncml/web"
)

// noteStoreURI is the datastore the built-in note agent serves.
const noteStoreURI = "./notes"

func main() {
	// Initialize logger
	logger.SetLogLevel("info")

	cfg, err := models.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	if err := models.InitDB(cfg.DBPath); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer models.CloseDB()

	if err := models.InitJWT(cfg.JWTSecret); err != nil {
		log.Fatal("Failed to initialize token signing:", err)
	}

	local, err := provisionLocalAdapter(cfg)
	if err != nil {
		log.Fatal("Failed to provision local adapter:", err)
	}

	agents := map[string]agent.Agent{noteStoreURI: agent.NewNoteAgent()}

	// Background client loop when a remote server is configured
	if cfg.ClientSyncEnabled() {
		go clientSyncLoop(cfg, local, agents)
	}

	// Start server
	srv := web.NewServer(cfg, local, agents)
	log.Fatal(web.Run(srv, cfg.Port))
}

// provisionLocalAdapter ensures the local device, its note datastore,
// and its device info exist before any session starts.
func provisionLocalAdapter(cfg *models.Config) (*models.Adapter, error) {
	local, err := models.GetLocalAdapter()
	if state.IsNotFound(err) {
		name, _ := os.Hostname()
		if name == "" {
			name = "syncml"
		}
		local = &models.Adapter{
			Name:           name,
			DevID:          cfg.DevID,
			IsLocal:        true,
			ConflictPolicy: cfg.ConflictPolicy,
		}
		if err := models.CreateAdapter(local); err != nil {
			return nil, serr.Wrap(err, "failed to create local adapter")
		}
		logger.Info("local adapter created", "dev_id", local.DevID, "name", local.Name)
	} else if err != nil {
		return nil, err
	}

	noteAgent := agent.NewNoteAgent()
	store := &models.Store{
		AdapterID:    local.ID,
		URI:          noteStoreURI,
		DisplayName:  "Notes",
		SyncTypes:    []state.SyncType{state.SyncTwoWay, state.SyncSlowSync, state.SyncRefreshFromClient, state.SyncRefreshFromServer},
		ContentTypes: noteAgent.ContentTypes(),
	}
	if err := models.UpsertStore(store); err != nil {
		return nil, serr.Wrap(err, "failed to provision note store")
	}

	known, err := models.HasDeviceInfo(local.ID)
	if err != nil {
		return nil, err
	}
	if !known {
		info := &state.DeviceInfo{
			DevID:           local.DevID,
			DevType:         "server",
			Manufacturer:    "syncml",
			Model:           "engine",
			SoftwareVersion: "1.0",
			UTC:             true,
			LargeObjects:    true,
			NumberOfChanges: true,
		}
		if err := models.SaveDeviceInfo(local.ID, info); err != nil {
			return nil, serr.Wrap(err, "failed to save device info")
		}
	}

	return local, nil
}

// clientSyncLoop periodically synchronizes against the configured server.
func clientSyncLoop(cfg *models.Config, local *models.Adapter, agents map[string]agent.Agent) {
	logger.Info("client sync enabled", "server", cfg.ServerURL, "interval", cfg.SyncInterval.String())

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		if err := runClientSync(cfg, local, agents); err != nil {
			logger.LogErr(serr.Wrap(err, "client sync failed"), "server", cfg.ServerURL)
		}
		<-ticker.C
	}
}

func runClientSync(cfg *models.Config, local *models.Adapter, agents map[string]agent.Agent) error {
	stats, err := web.RunClientSync(cfg, local, agents)
	if err != nil {
		return err
	}
	state.Describe(os.Stdout, "Synchronization with "+cfg.ServerURL, stats)
	return nil
}
