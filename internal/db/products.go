package db

import (
	"context"
	"database/sql"
	"fmt"
)

// =============================================================================
// Catalog Operations
// =============================================================================

const productColumns = `id, seller_id, category_id, brand_id, name, slug, sku, description, short_description,
	specifications, price, compare_price, currency, stock_quantity, track_inventory, status, is_new,
	source, source_id, source_url, rating, reviews_count, last_scraped_at, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*Product, error) {
	p := &Product{}
	var specs sql.NullString

	err := row.Scan(
		&p.ID,
		&p.SellerID,
		&p.CategoryID,
		&p.BrandID,
		&p.Name,
		&p.Slug,
		&p.SKU,
		&p.Description,
		&p.ShortDescription,
		&specs,
		&p.Price,
		&p.ComparePrice,
		&p.Currency,
		&p.StockQuantity,
		&p.TrackInventory,
		&p.Status,
		&p.IsNew,
		&p.Source,
		&p.SourceID,
		&p.SourceURL,
		&p.Rating,
		&p.ReviewsCount,
		&p.LastScrapedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.Specifications, err = decodeJSON(specs); err != nil {
		return nil, fmt.Errorf("failed to decode specifications: %w", err)
	}
	return p, nil
}

// GetProduct retrieves a product by ID
func (db *DB) GetProduct(ctx context.Context, id int64) (*Product, error) {
	row := db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

// GetProductBySource retrieves a scraped product by its identity key
func (db *DB) GetProductBySource(ctx context.Context, source, sourceID string) (*Product, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE source = ? AND source_id = ?`, source, sourceID)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

// ListProductsBySource returns every product carrying the given source tag
func (db *DB) ListProductsBySource(ctx context.Context, source string) ([]Product, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE source = ? ORDER BY id`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// CountProducts returns the number of catalog products
func (db *DB) CountProducts(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n)
	return n, err
}

// SlugExists reports whether another product already uses slug.
// excludeID 0 excludes nothing.
func (db *DB) SlugExists(ctx context.Context, slug string, excludeID int64) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE slug = ? AND id <> ?`, slug, excludeID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func productArgs(p *Product) ([]any, error) {
	specs, err := encodeJSON(p.Specifications)
	if err != nil {
		return nil, fmt.Errorf("failed to encode specifications: %w", err)
	}
	return []any{
		p.SellerID, p.CategoryID, p.BrandID, p.Name, p.Slug, p.SKU, p.Description, p.ShortDescription,
		specs, p.Price, p.ComparePrice, p.Currency, p.StockQuantity, p.TrackInventory, p.Status, p.IsNew,
		p.Source, p.SourceID, p.SourceURL, p.Rating, p.ReviewsCount, p.LastScrapedAt,
	}, nil
}

// CreateProduct inserts a product and sets its ID
func (db *DB) CreateProduct(ctx context.Context, p *Product) error {
	args, err := productArgs(p)
	if err != nil {
		return err
	}
	ts := now()
	p.CreatedAt = ts
	p.UpdatedAt = ts

	query := `
		INSERT INTO products (seller_id, category_id, brand_id, name, slug, sku, description, short_description,
			specifications, price, compare_price, currency, stock_quantity, track_inventory, status, is_new,
			source, source_id, source_url, rating, reviews_count, last_scraped_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.ExecContext(ctx, query, append(args, ts, ts)...)
	if err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("product %q: %w", p.Slug, ErrDuplicate)
		}
		return err
	}

	p.ID, err = result.LastInsertId()
	return err
}

// UpdateProduct overwrites every mutable column of a product
func (db *DB) UpdateProduct(ctx context.Context, p *Product) error {
	args, err := productArgs(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = now()

	query := `
		UPDATE products
		SET seller_id = ?, category_id = ?, brand_id = ?, name = ?, slug = ?, sku = ?, description = ?,
			short_description = ?, specifications = ?, price = ?, compare_price = ?, currency = ?,
			stock_quantity = ?, track_inventory = ?, status = ?, is_new = ?, source = ?, source_id = ?,
			source_url = ?, rating = ?, reviews_count = ?, last_scraped_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := db.ExecContext(ctx, query, append(args, p.UpdatedAt, p.ID)...)
	if err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("product %q: %w", p.Slug, ErrDuplicate)
		}
		return err
	}
	return requireAffected(result)
}

// FindOrCreateBrand returns the brand with slug, creating it with name when missing
func (db *DB) FindOrCreateBrand(ctx context.Context, name, slug string) (*Brand, error) {
	b := &Brand{}
	err := db.QueryRowContext(ctx,
		`SELECT id, name, slug FROM brands WHERE slug = ?`, slug).Scan(&b.ID, &b.Name, &b.Slug)
	if err == nil {
		return b, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	result, err := db.ExecContext(ctx,
		`INSERT INTO brands (name, slug, created_at) VALUES (?, ?, ?)`, name, slug, now())
	if err != nil {
		return nil, err
	}
	b = &Brand{Name: name, Slug: slug}
	b.ID, err = result.LastInsertId()
	return b, err
}

// FindCategoryByName matches a category by exact name
func (db *DB) FindCategoryByName(ctx context.Context, name string) (*Category, error) {
	c := &Category{}
	err := db.QueryRowContext(ctx,
		`SELECT id, name, slug FROM categories WHERE name = ?`, name).Scan(&c.ID, &c.Name, &c.Slug)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateCategory inserts a category and sets its ID
func (db *DB) CreateCategory(ctx context.Context, c *Category) error {
	result, err := db.ExecContext(ctx,
		`INSERT INTO categories (name, slug, created_at) VALUES (?, ?, ?)`, c.Name, c.Slug, now())
	if err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("category %q: %w", c.Slug, ErrDuplicate)
		}
		return err
	}
	c.ID, err = result.LastInsertId()
	return err
}

// =============================================================================
// Product Image Operations
// =============================================================================

// ListProductImages returns the images of a product in sort order
func (db *DB) ListProductImages(ctx context.Context, productID int64) ([]ProductImage, error) {
	return listProductImages(ctx, db, productID)
}

func listProductImages(ctx context.Context, q querier, productID int64) ([]ProductImage, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, path, source_url, sort_order, is_primary, created_at
		FROM product_images
		WHERE product_id = ?
		ORDER BY sort_order, id
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	images := []ProductImage{}
	for rows.Next() {
		var img ProductImage
		if err := rows.Scan(&img.ID, &img.ProductID, &img.Path, &img.SourceURL,
			&img.SortOrder, &img.IsPrimary, &img.CreatedAt); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func insertProductImage(ctx context.Context, q querier, img *ProductImage) error {
	img.CreatedAt = now()
	result, err := q.ExecContext(ctx, `
		INSERT INTO product_images (product_id, path, source_url, sort_order, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, img.ProductID, img.Path, img.SourceURL, img.SortOrder, img.IsPrimary, img.CreatedAt)
	if err != nil {
		return err
	}
	img.ID, err = result.LastInsertId()
	return err
}

// ReplaceProductImages deletes every image of the product and inserts images
// in one transaction. Each image keeps its SortOrder; the one at sort order 0
// is primary. Returns the paths of the removed rows.
func (db *DB) ReplaceProductImages(ctx context.Context, productID int64, images []ProductImage) ([]string, error) {
	var removed []string

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		old, err := listProductImages(ctx, tx, productID)
		if err != nil {
			return err
		}
		for _, img := range old {
			removed = append(removed, img.Path)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM product_images WHERE product_id = ?`, productID); err != nil {
			return err
		}

		for i := range images {
			images[i].ProductID = productID
			images[i].IsPrimary = images[i].SortOrder == 0
			if err := insertProductImage(ctx, tx, &images[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// AppendProductImages adds images after the existing ones, offsetting each
// SortOrder past the current maximum. The image at sort order 0 becomes
// primary only when the product had none.
func (db *DB) AppendProductImages(ctx context.Context, productID int64, images []ProductImage) error {
	return db.WithTransaction(ctx, func(tx *Tx) error {
		var count int
		var maxOrder sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), MAX(sort_order) FROM product_images WHERE product_id = ?`, productID).
			Scan(&count, &maxOrder)
		if err != nil {
			return err
		}

		next := 0
		if maxOrder.Valid {
			next = int(maxOrder.Int64) + 1
		}

		for i := range images {
			images[i].ProductID = productID
			images[i].IsPrimary = count == 0 && images[i].SortOrder == 0
			images[i].SortOrder += next
			if err := insertProductImage(ctx, tx, &images[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
