package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid result to
// onChange. An invalid file is logged and the previous config stays in
// effect. The returned func stops watching.
//
// The parent directory is watched so that editors which replace the file
// by rename are still seen.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	var (
		mu       sync.Mutex
		debounce *time.Timer
	)
	reload := func() {
		cfg, err := Load(abs)
		if err != nil {
			log.Printf("Config reload failed, keeping previous: %v", err)
			return
		}
		log.Printf("Config reloaded from %s", abs)
		onChange(cfg)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				mu.Lock()
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, reload)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Config watcher error: %v", err)

			case <-done:
				return
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
		mu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		mu.Unlock()
	}
	return stop, nil
}
