package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrRecipeNotFound = errors.New("recipe not found")

// SaveRecipe stores the recipe under its name, replacing an older
// definition with the same name. A recipe without ID gets one assigned.
func (p *PostgresClient) SaveRecipe(ctx context.Context, r *recipe.Recipe) (uuid.UUID, error) {
	id, err := recipeID(r)
	if err != nil {
		return uuid.Nil, err
	}
	r.ID = id.String()

	definition, err := r.ToJSON()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal recipe: %w", err)
	}

	var stored uuid.UUID
	err = p.pool.QueryRow(ctx, `
		INSERT INTO recipes (id, recipe_name, version, definition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recipe_name) DO UPDATE
		SET version = EXCLUDED.version, definition = EXCLUDED.definition, updated_at = now()
		RETURNING id
	`, id, r.Name, r.Version, definition).Scan(&stored)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to save recipe: %w", err)
	}

	r.ID = stored.String()
	return stored, nil
}

// LoadRecipe loads and parses a stored recipe.
func (p *PostgresClient) LoadRecipe(ctx context.Context, id uuid.UUID) (*recipe.Recipe, error) {
	var definition []byte
	err := p.pool.QueryRow(ctx, `
		SELECT definition FROM recipes WHERE id = $1
	`, id).Scan(&definition)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRecipeNotFound, id)
		}
		return nil, fmt.Errorf("failed to load recipe: %w", err)
	}

	r, err := recipe.ParseJSON(definition)
	if err != nil {
		return nil, fmt.Errorf("stored recipe %s is invalid: %w", id, err)
	}
	r.ID = id.String()
	return r, nil
}

// ListRecipes returns the stored recipes without their definitions.
func (p *PostgresClient) ListRecipes(ctx context.Context) ([]RecipeRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, recipe_name, version, created_at, updated_at
		FROM recipes
		ORDER BY recipe_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipes: %w", err)
	}
	defer rows.Close()

	records := make([]RecipeRecord, 0)
	for rows.Next() {
		var rec RecipeRecord
		if err := rows.Scan(&rec.ID, &rec.RecipeName, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteRecipe removes a stored recipe.
func (p *PostgresClient) DeleteRecipe(ctx context.Context, id uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM recipes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recipe: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRecipeNotFound, id)
	}
	return nil
}

func recipeID(r *recipe.Recipe) (uuid.UUID, error) {
	if r == nil {
		return uuid.Nil, errors.New("recipe is nil")
	}
	if r.ID == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid recipe id %q: %w", r.ID, err)
	}
	return id, nil
}
