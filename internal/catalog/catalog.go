// Package catalog 洗车程序目录（YAML 文件，只读参考数据）
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/carwash-kiosk/internal/model"
)

// ErrUnknownProgram 目录中不存在该程序
var ErrUnknownProgram = errors.New("unknown program")

type file struct {
	Programs []model.Program `yaml:"programs"`
}

// Catalog 按 ID 索引的程序列表
type Catalog struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]model.Program
}

// Load 读取 YAML 文件
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析并校验：ID 唯一、价格为数字
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{byID: make(map[string]model.Program, len(f.Programs))}
	for _, p := range f.Programs {
		if p.ID == "" {
			return nil, errors.New("catalog: program without id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate program %s", p.ID)
		}
		if _, err := p.PriceValue(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Empty 空目录
func Empty() *Catalog {
	return &Catalog{byID: map[string]model.Program{}}
}

// Get 按 ID 查找
func (c *Catalog) Get(id string) (*model.Program, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, id)
	}
	return &p, nil
}

// List 保持文件中的顺序
func (c *Catalog) List() []model.Program {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Program, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// IDs 排序后的程序 ID
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	ids := append([]string(nil), c.order...)
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Replace 热更新为另一份目录
func (c *Catalog) Replace(other *Catalog) {
	other.mu.RLock()
	order := append([]string(nil), other.order...)
	byID := make(map[string]model.Program, len(other.byID))
	for k, v := range other.byID {
		byID[k] = v
	}
	other.mu.RUnlock()

	c.mu.Lock()
	c.order, c.byID = order, byID
	c.mu.Unlock()
}
