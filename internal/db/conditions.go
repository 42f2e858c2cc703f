package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const conditionsCollection = "conditions"

// Condition is a saved rental search belonging to a user.
type Condition struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name        string             `bson:"name" json:"name" validate:"required"`
	IsPush      bool               `bson:"is_push" json:"is_push"`
	HouseID     int64              `bson:"house_id" json:"house_id"`
	UserID      primitive.ObjectID `bson:"user_id" json:"user_id"`
	Floor       string             `bson:"floor" json:"floor"`
	SearchType  string             `bson:"searchtype" json:"searchtype"`
	Shape       string             `bson:"shape" json:"shape"`
	Kind        string             `bson:"kind" json:"kind"`
	MultiArea   string             `bson:"multiArea" json:"multiArea"`
	MultiNotice string             `bson:"multiNotice" json:"multiNotice"`
	MultiRoom   string             `bson:"multiRoom" json:"multiRoom"`
	Option      string             `bson:"option" json:"option"`
	Other       string             `bson:"other" json:"other"`
	Region      string             `bson:"region" json:"region" validate:"required"`
	Section     string             `bson:"section" json:"section"`
	Price       string             `bson:"price" json:"price"`
	Keywords    string             `bson:"keywords" json:"keywords"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt   *time.Time         `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

func (d *Database) CreateCondition(ctx context.Context, cond Condition) (Condition, error) {
	if cond.UserID.IsZero() {
		return cond, errors.New("condition without owner")
	}

	coll, err := d.Collection(conditionsCollection)
	if err != nil {
		return cond, err
	}

	cond.ID = primitive.NewObjectID()
	if cond.CreatedAt.IsZero() {
		cond.CreatedAt = time.Now().UTC()
	}

	if _, err := coll.InsertOne(ctx, cond); err != nil {
		return cond, fmt.Errorf("insert condition: %w", err)
	}
	return cond, nil
}

// ListConditions returns the user's conditions, newest first.
func (d *Database) ListConditions(ctx context.Context, userID primitive.ObjectID) ([]Condition, error) {
	coll, err := d.Collection(conditionsCollection)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := coll.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}

	conditions := make([]Condition, 0)
	if err := cursor.All(ctx, &conditions); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	return conditions, nil
}

func (d *Database) DeleteCondition(ctx context.Context, id, userID primitive.ObjectID) error {
	coll, err := d.Collection(conditionsCollection)
	if err != nil {
		return err
	}

	res, err := coll.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return fmt.Errorf("delete condition: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
