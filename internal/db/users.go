package db

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const usersCollection = "users"

type User struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name        string             `bson:"name" json:"name"`
	Email       string             `bson:"email" json:"email"`
	Picture     string             `bson:"picture" json:"picture"`
	LineID      string             `bson:"line_id" json:"line_id"`
	NotifyToken string             `bson:"notify_token,omitempty" json:"-"`
	NotifyCount int                `bson:"notify_count,omitempty" json:"notify_count"`
}

// UpsertUserByLineID creates the user on first login and refreshes the
// profile fields afterwards.
func (d *Database) UpsertUserByLineID(ctx context.Context, lineID, name, email, picture string) (User, error) {
	var user User
	if lineID == "" {
		return user, errors.New("empty line id")
	}

	coll, err := d.Collection(usersCollection)
	if err != nil {
		return user, err
	}

	update := bson.M{"$set": bson.M{"name": name, "email": email, "picture": picture}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	if err := coll.FindOneAndUpdate(ctx, bson.M{"line_id": lineID}, update, opts).Decode(&user); err != nil {
		return user, fmt.Errorf("upsert user: %w", err)
	}
	return user, nil
}

func (d *Database) GetUserByID(ctx context.Context, id primitive.ObjectID) (User, error) {
	var user User
	coll, err := d.Collection(usersCollection)
	if err != nil {
		return user, err
	}

	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return user, ErrNotFound
		}
		return user, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}
