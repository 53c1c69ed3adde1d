package transaction

import (
	"github.com/uhyunpark/tokenbook/pkg/crypto"
)

// Builders used by clients (cmd/sign-order, tests) to produce signed requests.

func SignOrder(eip *crypto.EIP712Signer, key *crypto.Signer, order *crypto.OrderEIP712) (*SignedTransaction, error) {
	sig, err := eip.SignOrder(key, order)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{Type: TxTypeOrder, Order: FromEIP712Order(order), Signature: crypto.EncodeSignature(sig)}, nil
}

func SignCancel(eip *crypto.EIP712Signer, key *crypto.Signer, cancel *crypto.CancelEIP712) (*SignedTransaction, error) {
	sig, err := eip.SignCancel(key, cancel)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{Type: TxTypeCancel, Cancel: FromEIP712Cancel(cancel), Signature: crypto.EncodeSignature(sig)}, nil
}

func SignAdmin(eip *crypto.EIP712Signer, key *crypto.Signer, action *crypto.AdminEIP712) (*SignedTransaction, error) {
	sig, err := eip.SignAdmin(key, action)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{Type: TxTypeAdmin, Admin: FromEIP712Admin(action), Signature: crypto.EncodeSignature(sig)}, nil
}

func SignApprove(eip *crypto.EIP712Signer, key *crypto.Signer, approve *crypto.ApproveEIP712) (*SignedTransaction, error) {
	sig, err := eip.SignApprove(key, approve)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{Type: TxTypeApprove, Approve: FromEIP712Approve(approve), Signature: crypto.EncodeSignature(sig)}, nil
}
