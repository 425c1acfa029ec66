package domain

// Fees es el desglose de comisiones de una operación.
// En este core todas las constantes son cero: el hook existe pero no cobra nada.
type Fees struct {
	CreatorFee   float64 `json:"creatorFee"`
	PlatformFee  float64 `json:"platformFee"`
	LiquidityFee float64 `json:"liquidityFee"`
}

// NoFees es el valor que llevan todas las compras.
var NoFees = Fees{}

const (
	takerFeeConstant = 0.0
	creatorFeeShare  = 0.25
	platformFeeShare = 0.75
)

// TakerFee devuelve la comisión de taker para shares a una probabilidad dada.
func TakerFee(shares, prob float64) float64 {
	return takerFeeConstant * prob * (1 - prob) * shares
}

// FeesSplit reparte una comisión total entre creador y plataforma.
func FeesSplit(total float64) Fees {
	return Fees{
		CreatorFee:  total * creatorFeeShare,
		PlatformFee: total * platformFeeShare,
	}
}

// Total suma todos los componentes.
func (f Fees) Total() float64 {
	return f.CreatorFee + f.PlatformFee + f.LiquidityFee
}

// Add suma dos desgloses.
func (f Fees) Add(o Fees) Fees {
	return Fees{
		CreatorFee:   f.CreatorFee + o.CreatorFee,
		PlatformFee:  f.PlatformFee + o.PlatformFee,
		LiquidityFee: f.LiquidityFee + o.LiquidityFee,
	}
}
