package orders

// DemoProducts is the catalogue seeded when SEED_DEMO is set.
func DemoProducts() []Product {
	return []Product{
		{ID: "prod-sunset", SKU: "ART-001", Name: "Sunset Over Water", Description: "Oil on canvas, 24x36", Stock: 5, PriceCents: 6000},
		{ID: "prod-harbor", SKU: "ART-002", Name: "Harbor at Dawn", Description: "Watercolor, 18x24", Stock: 3, PriceCents: 6000},
		{ID: "prod-forest", SKU: "ART-003", Name: "Forest Study", Description: "Charcoal on paper, 11x14", Stock: 10, PriceCents: 2500},
		{ID: "prod-city", SKU: "ART-004", Name: "City Lines", Description: "Limited print, 16x20", Stock: 25, PriceCents: 4000},
	}
}
