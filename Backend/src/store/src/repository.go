package main

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SELECT ... FOR UPDATE: el bloqueo dura hasta el commit o rollback.
var forUpdate = clause.Locking{Strength: "UPDATE"}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository { return &Repository{db: db} }

// unidad de trabajo: cualquier error revierte todo lo escrito con tx
func (r *Repository) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ---- usuarios ----

func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	err := r.db.WithContext(ctx).Create(u).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrEmailTaken
	}
	return errors.Wrap(err, "create user")
}

// nil, nil si no existe
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user by email")
	}
	return &u, nil
}

func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return &u, nil
}

func (r *Repository) UpdateUserName(ctx context.Context, id int64, name string) error {
	res := r.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update user name")
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// serializa carrito y órdenes de un mismo usuario
func (r *Repository) LockUser(tx *gorm.DB, id int64) (*User, error) {
	var u User
	err := tx.Clauses(forUpdate).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock user")
	}
	return &u, nil
}

// ---- libros ----

func (r *Repository) CreateBook(ctx context.Context, b *Book) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(b).Error, "create book")
}

func (r *Repository) GetBook(ctx context.Context, id int64) (*Book, error) {
	var b Book
	err := r.db.WithContext(ctx).First(&b, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get book")
	}
	return &b, nil
}

func (r *Repository) LockBook(tx *gorm.DB, id int64) (*Book, error) {
	var b Book
	err := tx.Clauses(forUpdate).First(&b, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock book %d", id)
	}
	return &b, nil
}

// orden ascendente de id, una fila a la vez
func (r *Repository) LockBooks(tx *gorm.DB, ids []int64) (map[int64]*Book, error) {
	uniq := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	out := make(map[int64]*Book, len(uniq))
	for _, id := range uniq {
		b, err := r.LockBook(tx, id)
		if err != nil {
			return nil, err
		}
		out[id] = b
	}
	return out, nil
}

func (r *Repository) SaveBook(tx *gorm.DB, b *Book) error {
	return errors.Wrapf(tx.Save(b).Error, "save book %d", b.ID)
}

func (r *Repository) CountBooks(ctx context.Context, q string) (int64, error) {
	var c int64
	err := r.searchBooks(ctx, q).Model(&Book{}).Count(&c).Error
	return c, errors.Wrap(err, "count books")
}

func (r *Repository) ListBooks(ctx context.Context, q string, limit, offset int) ([]Book, error) {
	var out []Book
	err := r.searchBooks(ctx, q).Order("id DESC").Limit(limit).Offset(offset).Find(&out).Error
	return out, errors.Wrap(err, "list books")
}

func (r *Repository) searchBooks(ctx context.Context, q string) *gorm.DB {
	db := r.db.WithContext(ctx)
	if strings.TrimSpace(q) == "" {
		return db
	}
	qp := "%" + strings.ToLower(strings.TrimSpace(q)) + "%"
	return db.Where("lower(title) LIKE ? OR lower(author) LIKE ?", qp, qp)
}

// ---- carrito ----

func (r *Repository) ListCartLines(tx *gorm.DB, userID int64) ([]CartLine, error) {
	var out []CartLine
	err := tx.Where("user_id = ?", userID).Order("id").Find(&out).Error
	return out, errors.Wrap(err, "list cart lines")
}

func (r *Repository) FindCartLine(tx *gorm.DB, userID, lineID int64) (*CartLine, error) {
	var l CartLine
	err := tx.Where("id = ? AND user_id = ?", lineID, userID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCartLineNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find cart line")
	}
	return &l, nil
}

// nil, nil si el usuario no tiene línea para ese libro
func (r *Repository) FindCartLineByBook(tx *gorm.DB, userID, bookID int64) (*CartLine, error) {
	var l CartLine
	err := tx.Where("user_id = ? AND book_id = ?", userID, bookID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find cart line by book")
	}
	return &l, nil
}

func (r *Repository) SaveCartLine(tx *gorm.DB, l *CartLine) error {
	return errors.Wrap(tx.Save(l).Error, "save cart line")
}

func (r *Repository) DeleteCartLine(tx *gorm.DB, l *CartLine) error {
	return errors.Wrap(tx.Delete(&CartLine{}, l.ID).Error, "delete cart line")
}

func (r *Repository) DeleteCart(tx *gorm.DB, userID int64) (int64, error) {
	res := tx.Where("user_id = ?", userID).Delete(&CartLine{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete cart")
}

// ---- direcciones ----

func (r *Repository) CreateAddress(ctx context.Context, a *Address) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(a).Error, "create address")
}

func (r *Repository) ListAddresses(ctx context.Context, userID int64) ([]Address, error) {
	var out []Address
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&out).Error
	return out, errors.Wrap(err, "list addresses")
}

func (r *Repository) FindAddress(tx *gorm.DB, userID, id int64) (*Address, error) {
	var a Address
	err := tx.Where("id = ? AND user_id = ?", id, userID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find address")
	}
	return &a, nil
}

// ---- órdenes ----

func (r *Repository) CreateOrder(tx *gorm.DB, o *Order) error {
	return errors.Wrap(tx.Create(o).Error, "create order")
}

// las líneas vienen ordenadas por book_id
func (r *Repository) LockOrder(tx *gorm.DB, userID, id int64) (*Order, error) {
	var o Order
	err := tx.Clauses(forUpdate).Where("id = ? AND user_id = ?", id, userID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}
	if err := tx.Where("order_id = ?", o.ID).Order("book_id").Find(&o.Lines).Error; err != nil {
		return nil, errors.Wrap(err, "load order lines")
	}
	return &o, nil
}

func (r *Repository) SaveOrder(tx *gorm.DB, o *Order) error {
	err := tx.Model(o).Select("cancelled", "cancelled_at").Updates(o).Error
	return errors.Wrapf(err, "save order %d", o.ID)
}

func (r *Repository) FindOrder(ctx context.Context, userID, id int64) (*Order, error) {
	var o Order
	err := r.db.WithContext(ctx).Preload("Lines").Where("id = ? AND user_id = ?", id, userID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find order")
	}
	return &o, nil
}

func (r *Repository) ListOrders(ctx context.Context, userID int64) ([]Order, error) {
	var out []Order
	err := r.db.WithContext(ctx).Preload("Lines").Where("user_id = ?", userID).Order("id DESC").Find(&out).Error
	return out, errors.Wrap(err, "list orders")
}

// lecturas fuera de una unidad de trabajo
func (r *Repository) Reader(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }
