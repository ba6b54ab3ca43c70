package transformer

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/mingfeima/pssp/optimizations"
	"github.com/mingfeima/pssp/utils"
)

// MLP is the position-wise feed-forward layer: W2 * gelu(W1 x + b1) + b2.
type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *optimizations.Param
	OutputWeights, OutputBias *optimizations.Param

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewMLP(name string, dModel, hidden int, src rand.Source) *MLP {
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		HiddenWeights: optimizations.NewParam(name+".w1", hidden, dModel, utils.RandomArray(dModel*hidden, float64(dModel), src)),
		HiddenBias:    optimizations.NewParam(name+".b1", hidden, 1, nil),
		OutputWeights: optimizations.NewParam(name+".w2", dModel, hidden, utils.RandomArray(hidden*dModel, float64(hidden), src)),
		OutputBias:    optimizations.NewParam(name+".b2", dModel, 1, nil),
	}
}

func (mlp *MLP) Params() []*optimizations.Param {
	return []*optimizations.Param{mlp.HiddenWeights, mlp.HiddenBias, mlp.OutputWeights, mlp.OutputBias}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	hiddenLin := utils.Dot(mlp.HiddenWeights.W, X) // (h x T)
	mlp.hiddenPreAct = utils.AddBias(hiddenLin, mlp.HiddenBias.W)
	mlp.hiddenOutputs = utils.Apply(utils.GeluApply, mlp.hiddenPreAct)
	finalLin := utils.Dot(mlp.OutputWeights.W, mlp.hiddenOutputs) // (d x T)
	return utils.AddBias(finalLin, mlp.OutputBias.W)
}

// Backward accumulates weight and bias grads and returns dX.
func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	utils.AddInPlace(mlp.OutputWeights.G, utils.Dot(grad, mlp.hiddenOutputs.T()))
	utils.AddInPlace(mlp.OutputBias.G, utils.SumCols(grad))

	hiddenGradOut := utils.Dot(mlp.OutputWeights.W.T(), grad) // dL/d(hidden_out)
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct))

	utils.AddInPlace(mlp.HiddenWeights.G, utils.Dot(hiddenErrors, mlp.lastInput.T()))
	utils.AddInPlace(mlp.HiddenBias.G, utils.SumCols(hiddenErrors))

	return utils.Dot(mlp.HiddenWeights.W.T(), hiddenErrors)
}

func (mlp *MLP) CloneForGrads() *MLP {
	return &MLP{
		Inputs:        mlp.Inputs,
		Hiddens:       mlp.Hiddens,
		Outputs:       mlp.Outputs,
		HiddenWeights: mlp.HiddenWeights.ShareWeights(),
		HiddenBias:    mlp.HiddenBias.ShareWeights(),
		OutputWeights: mlp.OutputWeights.ShareWeights(),
		OutputBias:    mlp.OutputBias.ShareWeights(),
	}
}
