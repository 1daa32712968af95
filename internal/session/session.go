package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/rs/zerolog"
)

// Defaults applied when no bot is active or the active bot disappeared.
const (
	DefaultName     = "Assistente Municipal"
	DefaultColor    = "#d4af37"
	DefaultIcon     = "/static/images/chatbot/chatbot-icon.png"
	DefaultLanguage = "pt"
)

var (
	ErrNoActiveBot = errors.New("no active chatbot")
	ErrNotCached   = errors.New("asset kind is not cached in the session")
)

// AssetKind names a class of avatar media.
type AssetKind string

const (
	AssetGreeting AssetKind = "greeting"
	AssetIdle     AssetKind = "idle"
	AssetPositive AssetKind = "positive"
	AssetNegative AssetKind = "negative"
	AssetNoAnswer AssetKind = "no_answer"
	AssetFAQ      AssetKind = "faq"
)

// CachedAssetKinds are the per-bot kinds whose signed URLs live in the session.
var CachedAssetKinds = []AssetKind{AssetGreeting, AssetIdle, AssetPositive, AssetNegative, AssetNoAnswer}

// Stable store keys.
const (
	KeyBotID         = "bot.id"
	KeyBotName       = "bot.name"
	KeyBotColor      = "bot.color"
	KeyBotIcon       = "bot.icon"
	KeyBotGender     = "bot.gender"
	KeyLanguage      = "language"
	KeyMuted         = "muted"
	KeyAvatarEnabled = "avatar.enabled"
	KeyTextInitial   = "text.initial"
	KeyTextNoAnswer  = "text.no_answer"
	KeyTextPositive  = "text.feedback_positive"
	KeyTextNegative  = "text.feedback_negative"
	KeyJobPolling    = "job.polling"
	KeyLastPresented = "bot.last_presented"
	KeyBotsCache     = "bots.cache"

	assetKeyPrefix  = "asset."
	sourceKeyPrefix = "bot.source."
)

// AssetKey returns the store key caching the URL of kind.
func AssetKey(kind AssetKind) string {
	return assetKeyPrefix + string(kind)
}

// SourceKey returns the store key holding the answer source chosen for a bot.
func SourceKey(botID int) string {
	return sourceKeyPrefix + strconv.Itoa(botID)
}

// Identity is the active bot as presented to the user.
type Identity struct {
	ID     int
	Name   string
	Color  string
	Icon   string
	Gender string // "m", "f" or ""
}

// Texts are the bot-customizable messages; empty means use the built-in text.
type Texts struct {
	Initial          string
	NoAnswer         string
	FeedbackPositive string
	FeedbackNegative string
}

// BotFetcher loads bot details from the backend.
type BotFetcher interface {
	GetChatbot(ctx context.Context, id int) (*backend.ChatbotDetail, error)
}

// Session is the typed view of the store shared by every controller.
type Session struct {
	store   Store
	fetcher BotFetcher
	logger  zerolog.Logger
}

// New creates a Session over store. fetcher may be nil when refreshes are not needed.
func New(store Store, fetcher BotFetcher, logger zerolog.Logger) *Session {
	return &Session{
		store:   store,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "session").Logger(),
	}
}

// Store returns the underlying store.
func (s *Session) Store() Store {
	return s.store
}

// Subscribe forwards store changes.
func (s *Session) Subscribe(fn func(Change)) func() {
	return s.store.Subscribe(fn)
}

func (s *Session) get(key string) string {
	v, _, err := s.store.Get(context.Background(), key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Session read failed")
		return ""
	}
	return v
}

func (s *Session) set(key, value string) error {
	if err := s.store.Set(context.Background(), key, value); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Session write failed")
		return err
	}
	return nil
}

func (s *Session) setOrDelete(key, value string) error {
	if value == "" {
		return s.del(key)
	}
	return s.set(key, value)
}

func (s *Session) del(key string) error {
	if err := s.store.Delete(context.Background(), key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Session delete failed")
		return err
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (s *Session) getBool(key string, def bool) bool {
	v := s.get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// ActiveBotID returns the active bot id, 0 when none.
func (s *Session) ActiveBotID() int {
	id, _ := strconv.Atoi(s.get(KeyBotID))
	return id
}

// SetActiveBotID records the selected bot without touching its display fields.
func (s *Session) SetActiveBotID(id int) error {
	if id <= 0 {
		return s.del(KeyBotID)
	}
	return s.set(KeyBotID, strconv.Itoa(id))
}

// Identity returns the active bot identity with defaults filled in.
func (s *Session) Identity() Identity {
	return Identity{
		ID:     s.ActiveBotID(),
		Name:   orDefault(s.get(KeyBotName), DefaultName),
		Color:  orDefault(s.get(KeyBotColor), DefaultColor),
		Icon:   orDefault(s.get(KeyBotIcon), DefaultIcon),
		Gender: normalizeGender(s.get(KeyBotGender)),
	}
}

func normalizeGender(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "f", "feminino", "female":
		return "f"
	case "m", "masculino", "male":
		return "m"
	default:
		return ""
	}
}

// Language returns the active language tag.
func (s *Session) Language() string {
	if strings.EqualFold(s.get(KeyLanguage), "en") {
		return "en"
	}
	return DefaultLanguage
}

// SetLanguage stores the active language tag.
func (s *Session) SetLanguage(lang string) error {
	return s.set(KeyLanguage, strings.ToLower(lang))
}

// Muted reports the user's mute preference.
func (s *Session) Muted() bool {
	return s.getBool(KeyMuted, false)
}

// SetMuted stores the mute preference.
func (s *Session) SetMuted(muted bool) error {
	return s.set(KeyMuted, strconv.FormatBool(muted))
}

// AvatarEnabled reports the avatar toggle.
func (s *Session) AvatarEnabled() bool {
	return s.getBool(KeyAvatarEnabled, true)
}

// SetAvatarEnabled stores the avatar toggle.
func (s *Session) SetAvatarEnabled(enabled bool) error {
	return s.set(KeyAvatarEnabled, strconv.FormatBool(enabled))
}

// Asset returns the cached URL for kind, "" when absent.
func (s *Session) Asset(kind AssetKind) string {
	return s.get(AssetKey(kind))
}

// SetAsset caches a URL; an empty url removes it.
func (s *Session) SetAsset(kind AssetKind, url string) error {
	return s.setOrDelete(AssetKey(kind), url)
}

// Texts returns the active bot's custom messages.
func (s *Session) Texts() Texts {
	return Texts{
		Initial:          strings.TrimSpace(s.get(KeyTextInitial)),
		NoAnswer:         strings.TrimSpace(s.get(KeyTextNoAnswer)),
		FeedbackPositive: strings.TrimSpace(s.get(KeyTextPositive)),
		FeedbackNegative: strings.TrimSpace(s.get(KeyTextNegative)),
	}
}

// Source returns the answer source chosen for botID, "faq" by default.
func (s *Session) Source(botID int) string {
	return orDefault(s.get(SourceKey(botID)), backend.SourceFAQ)
}

// SetSource stores the answer source of a bot.
func (s *Session) SetSource(botID int, source string) error {
	return s.setOrDelete(SourceKey(botID), source)
}

// Polling reports the persisted polling-active flag.
func (s *Session) Polling() bool {
	return s.getBool(KeyJobPolling, false)
}

// SetPolling persists the polling-active flag.
func (s *Session) SetPolling(active bool) error {
	if !active {
		return s.del(KeyJobPolling)
	}
	return s.set(KeyJobPolling, "true")
}

// LastPresented returns the bot id the opening sequence was last shown for.
func (s *Session) LastPresented() int {
	id, _ := strconv.Atoi(s.get(KeyLastPresented))
	return id
}

// SetLastPresented records the bot id of the last opening sequence.
func (s *Session) SetLastPresented(id int) error {
	if id <= 0 {
		return s.del(KeyLastPresented)
	}
	return s.set(KeyLastPresented, strconv.Itoa(id))
}

// CachedBots returns the last bot list seen.
func (s *Session) CachedBots() []backend.Chatbot {
	raw := s.get(KeyBotsCache)
	if raw == "" {
		return nil
	}
	var bots []backend.Chatbot
	if err := json.Unmarshal([]byte(raw), &bots); err != nil {
		return nil
	}
	return bots
}

// CacheBots stores the bot list and each bot's answer source.
func (s *Session) CacheBots(bots []backend.Chatbot) error {
	data, err := json.Marshal(bots)
	if err != nil {
		return err
	}
	for _, b := range bots {
		if b.Source != "" && s.get(SourceKey(b.ID)) == "" {
			_ = s.SetSource(b.ID, b.Source)
		}
	}
	return s.set(KeyBotsCache, string(data))
}

// ApplyChatbot makes id the active bot and caches its identity, signed
// asset URLs and custom texts. Missing assets are removed from the cache.
func (s *Session) ApplyChatbot(id int, d *backend.ChatbotDetail) error {
	if d == nil {
		return nil
	}
	var errs []error
	record := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	record(s.SetActiveBotID(id))
	record(s.set(KeyBotName, orDefault(d.Name, DefaultName)))
	record(s.set(KeyBotColor, orDefault(d.Color, DefaultColor)))
	record(s.set(KeyBotIcon, orDefault(d.Icon, DefaultIcon)))
	record(s.setOrDelete(KeyBotGender, normalizeGender(d.Gender)))

	record(s.SetAsset(AssetGreeting, d.VideoGreetingPath))
	record(s.SetAsset(AssetIdle, d.VideoIdlePath))
	record(s.SetAsset(AssetPositive, d.VideoPositivePath))
	record(s.SetAsset(AssetNegative, d.VideoNegativePath))
	record(s.SetAsset(AssetNoAnswer, d.VideoNoAnswerPath))

	record(s.setOrDelete(KeyTextInitial, d.InitialMessage))
	record(s.setOrDelete(KeyTextNoAnswer, d.NoAnswerMessage))
	record(s.setOrDelete(KeyTextPositive, d.PositiveFeedbackMessage))
	record(s.setOrDelete(KeyTextNegative, d.NegativeFeedbackMessage))

	return errors.Join(errs...)
}

// Invalidate drops the active bot and resets its display fields to defaults.
func (s *Session) Invalidate() {
	_ = s.del(KeyBotID)
	_ = s.set(KeyBotName, DefaultName)
	_ = s.set(KeyBotColor, DefaultColor)
	_ = s.set(KeyBotIcon, DefaultIcon)
	_ = s.del(KeyBotGender)
	for _, kind := range CachedAssetKinds {
		_ = s.SetAsset(kind, "")
	}
	for _, key := range []string{KeyTextInitial, KeyTextNoAnswer, KeyTextPositive, KeyTextNegative} {
		_ = s.del(key)
	}
	s.logger.Info().Msg("Session reset to defaults")
}

// Refresh re-fetches the active bot. A 404 invalidates the session; other
// failures fall back to the cached bot list, invalidating when the bot is
// not listed there either.
func (s *Session) Refresh(ctx context.Context) error {
	id := s.ActiveBotID()
	if id == 0 {
		for _, kind := range CachedAssetKinds {
			_ = s.SetAsset(kind, "")
		}
		return ErrNoActiveBot
	}
	if s.fetcher == nil {
		return fmt.Errorf("refresh chatbot %d: no fetcher", id)
	}

	detail, err := s.fetcher.GetChatbot(ctx, id)
	if err == nil {
		return s.ApplyChatbot(id, detail)
	}

	if errors.Is(err, backend.ErrNotFound) {
		s.logger.Warn().Int("chatbot_id", id).Msg("Active chatbot no longer exists")
		s.Invalidate()
		return err
	}

	for _, b := range s.CachedBots() {
		if b.ID == id {
			_ = s.set(KeyBotName, orDefault(b.Name, DefaultName))
			if b.Color != "" {
				_ = s.set(KeyBotColor, b.Color)
			}
			if b.IconPath != "" {
				_ = s.set(KeyBotIcon, b.IconPath)
			}
			return err
		}
	}
	s.Invalidate()
	return err
}

// RefreshAsset re-fetches the bot and returns the fresh URL of kind.
func (s *Session) RefreshAsset(ctx context.Context, kind AssetKind) (string, error) {
	if kind == AssetFAQ {
		return "", ErrNotCached
	}
	if err := s.Refresh(ctx); err != nil {
		return "", err
	}
	return s.Asset(kind), nil
}
