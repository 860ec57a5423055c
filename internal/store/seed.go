package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/pkg/models"
)

// Catalog is the JSON shape accepted by LoadCatalog.
type Catalog struct {
	Restaurants []models.Restaurant `json:"restaurants"`
	MenuItems   []models.MenuItem   `json:"menuItems"`
}

// LoadCatalog fills the memory store with restaurants and menu items. Menu
// items must reference a restaurant from the same catalog or one already
// loaded. Nothing is stored when any item fails that check.
func (m *Memory) LoadCatalog(r io.Reader) (Catalog, error) {
	var catalog Catalog
	if err := json.NewDecoder(r).Decode(&catalog); err != nil {
		return catalog, fmt.Errorf("failed to decode catalog: %w", err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	known := make(map[uuid.UUID]bool, len(catalog.Restaurants))
	for _, restaurant := range catalog.Restaurants {
		known[restaurant.ID] = true
	}
	for _, item := range catalog.MenuItems {
		if _, ok := m.restaurants[item.RestaurantID]; !ok && !known[item.RestaurantID] {
			return catalog, fmt.Errorf("menu item %s references unknown restaurant %s", item.ID, item.RestaurantID)
		}
	}

	for _, restaurant := range catalog.Restaurants {
		restaurant := restaurant
		m.restaurants[restaurant.ID] = &restaurant
	}
	for _, item := range catalog.MenuItems {
		item := item
		m.menuItems[item.ID] = &item
	}
	return catalog, nil
}

func (m *Memory) LoadCatalogFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, err
	}
	defer f.Close()
	return m.LoadCatalog(f)
}
