package repnet

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// LoadDir runs dir/<name>/init.lua for every plugin directory in dir
func (p *Plugins) LoadDir(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, file := range files {
		if !file.IsDir() {
			continue
		}

		path := filepath.Join(dir, file.Name(), "init.lua")
		if _, err := os.Stat(path); err != nil {
			continue
		}

		p.log.Info("loading plugin", zap.String("plugin", file.Name()))

		p.mu.Lock()
		err := p.l.DoFile(path)
		if err == nil {
			p.loaded = append(p.loaded, file.Name())
		}
		p.mu.Unlock()

		if err != nil {
			return err
		}
	}

	return nil
}

// Loaded returns the names of the loaded plugins
func (p *Plugins) Loaded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.loaded...)
}
