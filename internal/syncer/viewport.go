package syncer

// Viewport — окно прокрутки, которое предоставляет UI.
// Методы вызываются из цикла сессии.
type Viewport interface {
	// FirstVisibleID — id первого полностью видимого сообщения, "" если список пуст.
	FirstVisibleID() string
	// AnchorOffset — смещение элемента сообщения от верха окна.
	AnchorOffset(id string) (float64, bool)
	ContentHeight() float64
	IsAtBottom() bool
	// ScrollToAnchor ставит сообщение id на смещение offset; false, если элемента нет.
	ScrollToAnchor(id string, offset float64) bool
	ScrollBy(delta float64)
	ScrollToBottom()
}

// NopViewport — для клиентов без прокрутки (CLI, тесты). Всегда «внизу».
type NopViewport struct{}

func (NopViewport) FirstVisibleID() string { return "" }

func (NopViewport) AnchorOffset(string) (float64, bool) { return 0, false }

func (NopViewport) ContentHeight() float64 { return 0 }

func (NopViewport) IsAtBottom() bool { return true }

func (NopViewport) ScrollToAnchor(string, float64) bool { return false }

func (NopViewport) ScrollBy(float64) {}

func (NopViewport) ScrollToBottom() {}
