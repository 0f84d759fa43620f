// Package daemon keeps the active account in sync for as long as the
// process runs.
//
// # Architecture
//
// The daemon consists of several components:
//
//   - Daemon: runs the sync-on-start refresh, the periodic refresh and the
//     connectivity listener, and shuts them all down together
//   - FileWatcher: fsnotify-based watch of the config file, so edits take
//     effect without a restart
//
// The connectivity prober (if configured) and the syncer's listener run
// beside the refresh loop: every transition to online drains the pending
// queue immediately, without waiting for the next refresh.
//
// # Usage
//
//	d, err := daemon.New(s, &daemon.Config{
//	    RefreshInterval: 15 * time.Minute,
//	    ConfigFile:      cfg.File,
//	    Prober:          prober,
//	    Observer:        handler,
//	})
//	if err != nil {
//	    return err
//	}
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	return d.Start(ctx) // blocks until ctx is done
//
// # File Watching
//
// The FileWatcher watches the directory of the file rather than the file
// itself, so saves that replace the file by renaming are seen:
//
//	fw, err := daemon.NewFileWatcher()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fw.Stop()
//
//	if err := fw.Start("/home/alice/.config/todosync/config.toml"); err != nil {
//	    log.Fatal(err)
//	}
//	for event := range fw.Events() {
//	    log.Printf("%s %s", event.Op, event.Path)
//	}
package daemon
